package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/repopilot-ai/repopilot/internal/config"
)

// GeminiDimension is the output dimension of the Gemini embedding models.
const GeminiDimension = 768

const (
	geminiSubBatchSize = 20
	geminiBatchPause   = 1500 * time.Millisecond
	geminiMaxRetries   = 3
)

// GeminiEmbedder calls the Gemini batch embedding endpoint. Requests are
// split into sub-batches of at most 20 texts with a pause between them to
// stay under the free-tier rate limit. On 429 responses the server-supplied
// retry delay is honored.
type GeminiEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewGeminiEmbedder creates a Gemini embedding client.
func NewGeminiEmbedder(cfg config.GeminiConfig) *GeminiEmbedder {
	return &GeminiEmbedder{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.EmbeddingModel,
	}
}

type geminiEmbedRequest struct {
	Requests []geminiContentRequest `json:"requests"`
}

type geminiContentRequest struct {
	Model    string        `json:"model"`
	Content  geminiContent `json:"content"`
	TaskType string        `json:"taskType"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

// Embed embeds the texts in rate-limit-friendly sub-batches.
func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += geminiSubBatchSize {
		end := start + geminiSubBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		if start > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(geminiBatchPause):
			}
		}

		batch, err := g.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (g *GeminiEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := geminiEmbedRequest{Requests: make([]geminiContentRequest, len(texts))}
	for i, text := range texts {
		clean := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
		reqBody.Requests[i] = geminiContentRequest{
			Model:    "models/" + g.model,
			Content:  geminiContent{Parts: []geminiPart{{Text: clean}}},
			TaskType: "RETRIEVAL_DOCUMENT",
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", g.baseURL, g.model, g.apiKey)

	var lastErr error
	for attempt := 0; attempt < geminiMaxRetries; attempt++ {
		vectors, retryAfter, err := g.doRequest(ctx, url, payload)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if retryAfter <= 0 {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryAfter):
		}
	}

	return nil, fmt.Errorf("gemini embed rate limited after %d attempts: %w", geminiMaxRetries, lastErr)
}

// doRequest performs one HTTP call. A positive retryAfter signals a
// retryable rate-limit response.
func (g *GeminiEmbedder) doRequest(ctx context.Context, url string, payload []byte) ([][]float32, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gemini embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, parseRetryDelay(string(body)), fmt.Errorf("gemini rate limited: %s", truncateBody(body))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("gemini embed status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var parsed geminiEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("decode embed response: %w", err)
	}

	vectors := make([][]float32, len(parsed.Embeddings))
	for i, e := range parsed.Embeddings {
		vectors[i] = e.Values
	}
	return vectors, 0, nil
}

var retryDelayRe = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)

// parseRetryDelay extracts the server-supplied retry delay from a rate-limit
// error body. Defaults to 5s when the body carries none.
func parseRetryDelay(body string) time.Duration {
	if m := retryDelayRe.FindStringSubmatch(body); m != nil {
		var secs float64
		if _, err := fmt.Sscanf(m[1], "%f", &secs); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 5 * time.Second
}

func truncateBody(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// Dimension reports the vector dimension.
func (g *GeminiEmbedder) Dimension() int { return GeminiDimension }

// Name identifies the provider.
func (g *GeminiEmbedder) Name() string { return "gemini" }

var _ Embedder = (*GeminiEmbedder)(nil)
