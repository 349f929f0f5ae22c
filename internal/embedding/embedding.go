// Package embedding generates text embeddings for vector search.
//
// Provider priority: Gemini (free tier, 768-d) > OpenAI (paid, 1536-d) >
// deterministic mock. All embeddings in a collection share one dimension,
// fixed when the service is constructed.
package embedding

import (
	"context"

	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

// Embedder converts batches of texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// Service selects a primary provider at construction time and falls back to
// the mock embedder when the primary fails at runtime. The mock shares the
// primary's dimension so a partially degraded index stays queryable.
type Service struct {
	primary Embedder
	mock    *MockEmbedder
	logger  *observability.Logger
}

// NewService picks a provider by configured credentials.
func NewService(cfg *config.Config, logger *observability.Logger) *Service {
	var primary Embedder

	switch {
	case cfg.Providers.MockMode:
		primary = NewMockEmbedder(GeminiDimension)
		logger.Warn().Str("provider", "mock").Msg("embeddings initialized in mock mode")
	case cfg.Providers.Gemini.APIKey != "":
		primary = NewGeminiEmbedder(cfg.Providers.Gemini)
		logger.Info().Str("provider", "gemini").
			Str("model", cfg.Providers.Gemini.EmbeddingModel).
			Msg("embeddings initialized")
	case cfg.Providers.OpenAI.APIKey != "" && supportsEmbeddings(cfg.Providers.OpenAI):
		primary = NewOpenAIEmbedder(cfg.Providers.OpenAI)
		logger.Info().Str("provider", "openai").
			Str("model", cfg.Providers.OpenAI.EmbeddingModel).
			Msg("embeddings initialized")
	default:
		primary = NewMockEmbedder(GeminiDimension)
		logger.Warn().Str("provider", "mock").
			Str("reason", "no embedding credentials configured").
			Msg("embeddings initialized")
	}

	return &Service{
		primary: primary,
		mock:    NewMockEmbedder(primary.Dimension()),
		logger:  logger,
	}
}

// NewServiceWith wires an explicit primary embedder. Used by tests.
func NewServiceWith(primary Embedder, logger *observability.Logger) *Service {
	return &Service{
		primary: primary,
		mock:    NewMockEmbedder(primary.Dimension()),
		logger:  logger,
	}
}

// Embed embeds a batch of texts, falling back to the mock on provider failure.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := s.primary.Embed(ctx, texts)
	if err == nil {
		return vectors, nil
	}

	s.logger.Warn().Err(err).Str("provider", s.primary.Name()).
		Msg("embedding failed, falling back to mock")

	return s.mock.Embed(ctx, texts)
}

// EmbedSingle embeds one text.
func (s *Service) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension reports the vector dimension of the active provider.
func (s *Service) Dimension() int {
	return s.primary.Dimension()
}

// Provider reports the active provider name.
func (s *Service) Provider() string {
	return s.primary.Name()
}

// Groq exposes an OpenAI-compatible chat API but no embeddings endpoint.
func supportsEmbeddings(cfg config.OpenAIConfig) bool {
	return !containsFold(cfg.BaseURL, "groq") && !hasMockModel(cfg.EmbeddingModel)
}
