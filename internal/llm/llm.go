// Package llm provides chat completion over multiple backends.
//
// Provider priority: Ollama (local, unlimited) > OpenAI-compatible >
// Gemini > deterministic mock. Callers may force a provider with
// Options.ProviderOverride, in which case no fallback happens.
package llm

import (
	"context"
	"fmt"

	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // system, user, or assistant
	Content string `json:"content"`
}

// Options controls a single completion call.
type Options struct {
	Temperature float64
	Model       string
	JSONMode    bool
	MaxTokens   int
	// ProviderOverride forces a specific provider: "ollama", "ollama_b",
	// "ollama_router", "openai", "gemini", or "mock". Empty means use the
	// service default with fallback.
	ProviderOverride string
}

// StreamChunk is one fragment of a streamed completion. Err is non-nil only
// on the terminal chunk of a failed stream.
type StreamChunk struct {
	Text string
	Err  error
}

// ChatProvider is one chat backend.
type ChatProvider interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
	Stream(ctx context.Context, messages []Message, opts Options) <-chan StreamChunk
	Name() string
}

// Service routes completions to the best available provider.
type Service struct {
	primary string
	ollama  *OllamaProvider
	openai  *OpenAIProvider
	gemini  *GeminiProvider
	mock    *MockProvider
	logger  *observability.Logger
}

// NewService probes providers in priority order and wires the chain.
func NewService(cfg *config.Config, logger *observability.Logger) *Service {
	s := &Service{
		primary: "mock",
		ollama:  NewOllamaProvider(cfg.Providers.Ollama),
		mock:    NewMockProvider(),
		logger:  logger,
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		s.openai = NewOpenAIProvider(cfg.Providers.OpenAI)
	}
	if cfg.Providers.Gemini.APIKey != "" {
		s.gemini = NewGeminiProvider(cfg.Providers.Gemini)
	}

	switch {
	case cfg.Providers.MockMode:
		s.primary = "mock"
		logger.Warn().Str("provider", "mock").Msg("llm initialized in mock mode")
	case s.ollama.Available():
		s.primary = "ollama"
		logger.Info().Str("provider", "ollama").
			Str("model_a", cfg.Providers.Ollama.ModelA).
			Str("model_b", cfg.Providers.Ollama.ModelB).
			Msg("llm initialized")
	case s.openai != nil:
		s.primary = "openai"
		logger.Info().Str("provider", "openai").
			Str("model", cfg.Providers.OpenAI.ChatModel).
			Msg("llm initialized")
	case s.gemini != nil:
		s.primary = "gemini"
		logger.Info().Str("provider", "gemini").
			Str("model", cfg.Providers.Gemini.ChatModel).
			Msg("llm initialized")
	default:
		logger.Warn().Str("provider", "mock").
			Str("reason", "no llm credentials and no local server").
			Msg("llm initialized")
	}

	return s
}

// NewServiceWithMock returns a service pinned to the mock provider. Tests use
// this to exercise higher-level agents without network access.
func NewServiceWithMock(logger *observability.Logger) *Service {
	return &Service{
		primary: "mock",
		ollama:  NewOllamaProvider(config.OllamaConfig{BaseURL: "http://localhost:1"}),
		mock:    NewMockProvider(),
		logger:  logger,
	}
}

// Provider reports the default provider name.
func (s *Service) Provider() string { return s.primary }

// MockMode reports whether the mock provider is the default.
func (s *Service) MockMode() bool { return s.primary == "mock" }

// Complete runs one chat completion. With no override, a provider failure
// falls through the chain ending at the last error.
func (s *Service) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	provider, name, err := s.resolve(opts.ProviderOverride)
	if err != nil {
		return "", err
	}

	out, err := provider.Complete(ctx, messages, opts)
	if err == nil {
		return out, nil
	}

	if opts.ProviderOverride != "" {
		return "", err
	}

	s.logger.Error().Err(err).Str("provider", name).Msg("llm call failed")

	// Local server may have come up since init.
	if name != "ollama" && s.ollama.Available() {
		s.logger.Warn().Str("fallback", "ollama").Msg("retrying on local provider")
		if out, err2 := s.ollama.Complete(ctx, messages, opts); err2 == nil {
			return out, nil
		}
	}

	if name == "openai" && s.gemini != nil {
		s.logger.Warn().Str("fallback", "gemini").Msg("retrying on gemini")
		if out, err2 := s.gemini.Complete(ctx, messages, opts); err2 == nil {
			return out, nil
		}
	}

	return "", err
}

// Stream runs one streamed completion. Providers without native streaming
// degrade to a single final chunk. The returned channel is always closed.
func (s *Service) Stream(ctx context.Context, messages []Message, opts Options) <-chan StreamChunk {
	provider, _, err := s.resolve(opts.ProviderOverride)
	if err != nil {
		ch := make(chan StreamChunk, 1)
		ch <- StreamChunk{Err: err}
		close(ch)
		return ch
	}
	return provider.Stream(ctx, messages, opts)
}

func (s *Service) resolve(override string) (ChatProvider, string, error) {
	name := override
	if name == "" {
		name = s.primary
	}

	switch name {
	case "ollama", "ollama_b", "ollama_router":
		// Mock mode stays fully offline even for tier-pinned calls.
		if s.primary == "mock" {
			return s.mock, "mock", nil
		}
		return tierProvider{base: s.ollama, tier: name}, "ollama", nil
	case "openai":
		if s.openai == nil {
			return nil, name, fmt.Errorf("openai provider not configured")
		}
		return s.openai, name, nil
	case "gemini":
		if s.gemini == nil {
			return nil, name, fmt.Errorf("gemini provider not configured")
		}
		return s.gemini, name, nil
	case "mock":
		return s.mock, name, nil
	default:
		return nil, name, fmt.Errorf("unknown provider %q", name)
	}
}

// tierProvider pins an Ollama call to a model tier without copying the
// underlying client.
type tierProvider struct {
	base *OllamaProvider
	tier string
}

func (t tierProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if opts.Model == "" {
		opts.Model = t.base.modelForTier(t.tier)
	}
	return t.base.Complete(ctx, messages, opts)
}

func (t tierProvider) Stream(ctx context.Context, messages []Message, opts Options) <-chan StreamChunk {
	if opts.Model == "" {
		opts.Model = t.base.modelForTier(t.tier)
	}
	return t.base.Stream(ctx, messages, opts)
}

func (t tierProvider) Name() string { return "ollama" }
