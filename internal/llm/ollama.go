package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/repopilot-ai/repopilot/internal/config"
)

// OllamaProvider talks to a local Ollama-compatible server. Three model
// tiers are configured: A (default), B (larger, used for reviewer roles),
// and router (ultra-small, used for request classification).
type OllamaProvider struct {
	httpClient  *http.Client
	probeClient *http.Client
	baseURL     string
	modelA      string
	modelB      string
	modelRouter string
}

// NewOllamaProvider creates a local chat client.
func NewOllamaProvider(cfg config.OllamaConfig) *OllamaProvider {
	return &OllamaProvider{
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		probeClient: &http.Client{Timeout: 3 * time.Second},
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		modelA:      cfg.ModelA,
		modelB:      cfg.ModelB,
		modelRouter: cfg.ModelRouter,
	}
}

// Available probes the server and verifies at least one configured model is
// pulled. Tag lists may carry :latest suffixes, so models match by base name.
func (o *OllamaProvider) Available() bool {
	resp, err := o.probeClient.Get(o.baseURL + "/api/tags")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}

	for _, needed := range []string{o.modelA, o.modelB} {
		if needed == "" {
			continue
		}
		base := strings.SplitN(needed, ":", 2)[0]
		for _, m := range tags.Models {
			if m.Name == needed || strings.HasPrefix(m.Name, base+":") {
				return true
			}
		}
	}
	return false
}

func (o *OllamaProvider) modelForTier(tier string) string {
	switch tier {
	case "ollama_b":
		return o.modelB
	case "ollama_router":
		if o.modelRouter != "" {
			return o.modelRouter
		}
		return o.modelA
	default:
		return o.modelA
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Complete runs one non-streamed chat call.
func (o *OllamaProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	body, err := o.doChat(ctx, messages, opts, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

// Stream runs a streamed chat call, decoding the NDJSON chunk stream.
func (o *OllamaProvider) Stream(ctx context.Context, messages []Message, opts Options) <-chan StreamChunk {
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)

		body, err := o.doChat(ctx, messages, opts, true)
		if err != nil {
			ch <- StreamChunk{Err: err}
			return
		}
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var parsed ollamaChatResponse
			if err := json.Unmarshal(line, &parsed); err != nil {
				continue
			}
			if parsed.Error != "" {
				ch <- StreamChunk{Err: fmt.Errorf("ollama error: %s", parsed.Error)}
				return
			}
			if parsed.Message.Content != "" {
				select {
				case ch <- StreamChunk{Text: parsed.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if parsed.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: fmt.Errorf("read ollama stream: %w", err)}
		}
	}()

	return ch
}

func (o *OllamaProvider) doChat(ctx context.Context, messages []Message, opts Options, stream bool) (io.ReadCloser, error) {
	model := opts.Model
	if model == "" {
		model = o.modelA
	}

	reqBody := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  map[string]any{"temperature": opts.Temperature},
	}
	if opts.JSONMode {
		reqBody.Format = "json"
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(body))
	}

	return resp.Body, nil
}

// Name identifies the provider.
func (o *OllamaProvider) Name() string { return "ollama" }

var _ ChatProvider = (*OllamaProvider)(nil)
