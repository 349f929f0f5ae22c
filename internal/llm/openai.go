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

	"github.com/cenkalti/backoff/v4"

	"github.com/repopilot-ai/repopilot/internal/config"
)

// OpenAIProvider talks to an OpenAI-compatible chat endpoint. The base URL
// may point at a compatible proxy (Groq, vLLM); response_format JSON is only
// requested when the endpoint is known to support it.
type OpenAIProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewOpenAIProvider creates an OpenAI-compatible chat client.
func NewOpenAIProvider(cfg config.OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.ChatModel,
	}
}

// supportsJSONMode reports whether the endpoint honors response_format.
// Compatible proxies often reject it.
func (p *OpenAIProvider) supportsJSONMode() bool {
	if p.baseURL == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.baseURL), "openai.com")
}

type openaiChatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete runs one chat call. Rate-limit errors retry with exponential
// backoff bounded by wall clock; other provider errors retry at most once.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	payload, err := p.buildPayload(messages, opts, false)
	if err != nil {
		return "", err
	}

	var out string
	operation := func() error {
		body, err := p.doRequest(ctx, payload)
		if err != nil {
			return err
		}
		defer body.Close()

		raw, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read chat response: %w", err)
		}

		var parsed openaiChatResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode chat response: %w", err))
		}
		if parsed.Error != nil {
			return backoff.Permanent(fmt.Errorf("chat error: %s", parsed.Error.Message))
		}
		if len(parsed.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("chat response had no choices"))
		}

		out = parsed.Choices[0].Message.Content
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx)); err != nil {
		return "", err
	}
	return out, nil
}

// Stream runs a streamed chat call, decoding the SSE delta stream.
func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, opts Options) <-chan StreamChunk {
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)

		payload, err := p.buildPayload(messages, opts, true)
		if err != nil {
			ch <- StreamChunk{Err: err}
			return
		}

		body, err := p.doRequest(ctx, payload)
		if err != nil {
			ch <- StreamChunk{Err: err}
			return
		}
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var parsed openaiChatResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			if text := parsed.Choices[0].Delta.Content; text != "" {
				select {
				case ch <- StreamChunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: fmt.Errorf("read chat stream: %w", err)}
		}
	}()

	return ch
}

func (p *OpenAIProvider) buildPayload(messages []Message, opts Options, stream bool) ([]byte, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	reqBody := openaiChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
	if opts.JSONMode && p.supportsJSONMode() {
		reqBody.ResponseFormat = map[string]any{"type": "json_object"}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return payload, nil
}

func (p *OpenAIProvider) doRequest(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build chat request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()
		return nil, fmt.Errorf("chat status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()
		return nil, backoff.Permanent(fmt.Errorf("chat status %d: %s", resp.StatusCode, string(body)))
	}

	return resp.Body, nil
}

// Name identifies the provider.
func (p *OpenAIProvider) Name() string { return "openai" }

var _ ChatProvider = (*OpenAIProvider)(nil)
