package llm

import (
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

// GeminiProvider talks to the Gemini generateContent endpoint. System
// messages become systemInstruction; assistant turns map to the "model"
// role. Streaming degrades to a single final chunk.
type GeminiProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewGeminiProvider creates a Gemini chat client.
func NewGeminiProvider(cfg config.GeminiConfig) *GeminiProvider {
	model := cfg.ChatModel
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
	}
}

type geminiChatRequest struct {
	SystemInstruction *geminiChatContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiChatContent `json:"contents"`
	GenerationConfig  geminiGenConfig     `json:"generationConfig"`
	SafetySettings    []geminiSafety      `json:"safetySettings,omitempty"`
}

type geminiChatContent struct {
	Role  string           `json:"role,omitempty"`
	Parts []geminiChatPart `json:"parts"`
}

type geminiChatPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiSafety struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiChatResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiChatPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Code review prompts quote exploitable-looking snippets; without relaxed
// thresholds the safety filter rejects them.
var geminiSafetyOff = []geminiSafety{
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
}

// Complete runs one chat call with up to one retry.
func (g *GeminiProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	reqBody := geminiChatRequest{
		GenerationConfig: geminiGenConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
		},
		SafetySettings: geminiSafetyOff,
	}
	if opts.JSONMode {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			reqBody.SystemInstruction = &geminiChatContent{
				Parts: []geminiChatPart{{Text: msg.Content}},
			}
		case "assistant":
			reqBody.Contents = append(reqBody.Contents, geminiChatContent{
				Role:  "model",
				Parts: []geminiChatPart{{Text: msg.Content}},
			})
		default:
			reqBody.Contents = append(reqBody.Contents, geminiChatContent{
				Role:  "user",
				Parts: []geminiChatPart{{Text: msg.Content}},
			})
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)

	var out string
	operation := func() error {
		text, err := g.doRequest(ctx, url, payload)
		if err != nil {
			return err
		}
		out = text
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx)); err != nil {
		return "", err
	}
	return out, nil
}

func (g *GeminiProvider) doRequest(ctx context.Context, url string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build gemini request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("gemini status %d: %s", resp.StatusCode, truncate(body))
	}
	if resp.StatusCode != http.StatusOK {
		return "", backoff.Permanent(fmt.Errorf("gemini status %d: %s", resp.StatusCode, truncate(body)))
	}

	var parsed geminiChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode gemini response: %w", err))
	}
	if parsed.Error != nil {
		return "", backoff.Permanent(fmt.Errorf("gemini error: %s", parsed.Error.Message))
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", backoff.Permanent(fmt.Errorf("gemini response had no candidates"))
	}

	var b strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

// Stream degrades to a single final chunk.
func (g *GeminiProvider) Stream(ctx context.Context, messages []Message, opts Options) <-chan StreamChunk {
	ch := make(chan StreamChunk, 1)
	go func() {
		defer close(ch)
		text, err := g.Complete(ctx, messages, opts)
		if err != nil {
			ch <- StreamChunk{Err: err}
			return
		}
		ch <- StreamChunk{Text: text}
	}()
	return ch
}

// Name identifies the provider.
func (g *GeminiProvider) Name() string { return "gemini" }

var _ ChatProvider = (*GeminiProvider)(nil)

func truncate(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
