package embedding

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

// OpenAIDimension is the output dimension of text-embedding-3-small.
const OpenAIDimension = 1536

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewOpenAIEmbedder creates an OpenAI embedding client.
func NewOpenAIEmbedder(cfg config.OpenAIConfig) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.EmbeddingModel,
	}
}

type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed embeds the texts in one request, retrying transient failures.
func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	clean := make([]string, len(texts))
	for i, t := range texts {
		// Newline replacement is recommended for the embedding models.
		clean[i] = strings.TrimSpace(strings.ReplaceAll(t, "\n", " "))
	}

	payload, err := json.Marshal(openaiEmbedRequest{Input: clean, Model: o.model})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var vectors [][]float32
	operation := func() error {
		v, err := o.doRequest(ctx, payload)
		if err != nil {
			return err
		}
		vectors = v
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return vectors, nil
}

func (o *OpenAIEmbedder) doRequest(ctx context.Context, payload []byte) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("openai embed status %d: %s", resp.StatusCode, truncateBody(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("openai embed status %d: %s", resp.StatusCode, truncateBody(body)))
	}

	var parsed openaiEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode embed response: %w", err))
	}

	vectors := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

// Dimension reports the vector dimension.
func (o *OpenAIEmbedder) Dimension() int { return OpenAIDimension }

// Name identifies the provider.
func (o *OpenAIEmbedder) Name() string { return "openai" }

var _ Embedder = (*OpenAIEmbedder)(nil)

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

func hasMockModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "mock")
}
