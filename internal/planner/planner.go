// Package planner decides whether a question needs decomposition into
// sub-queries before retrieval.
package planner

import (
	"context"
	"regexp"
	"strings"

	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

const systemPrompt = `You are a query decomposition engine.
Analyze the user's question about a codebase.
If the question is complex (e.g., involves multiple components, architecture, or cross-file dependencies), break it into 2-3 specific sub-questions.
If the question is simple or direct, return null.

Format: Return a JSON object with a 'sub_questions' list or null.
Example: {"sub_questions": ["Where is X defined?", "How does Y call X?"]}`

// Markers that indicate a multi-component or architectural question.
var complexMarkers = []*regexp.Regexp{
	regexp.MustCompile(`architecture`),
	regexp.MustCompile(`flow`),
	regexp.MustCompile(`end-to-end`),
	regexp.MustCompile(`across`),
	regexp.MustCompile(`interaction`),
	regexp.MustCompile(`dependency|dependencies`),
	regexp.MustCompile(`compare`),
	regexp.MustCompile(`tradeoff`),
	regexp.MustCompile(`refactor`),
	regexp.MustCompile(`security`),
	regexp.MustCompile(`performance`),
	regexp.MustCompile(`multi`),
	regexp.MustCompile(`overview`),
	regexp.MustCompile(`entire`),
	regexp.MustCompile(`whole system`),
	regexp.MustCompile(`full pipeline`),
	regexp.MustCompile(`walk me through`),
	regexp.MustCompile(`step by step`),
	regexp.MustCompile(`trace the`),
	regexp.MustCompile(`how does.*work together`),
	regexp.MustCompile(`all components`),
	regexp.MustCompile(`all modules`),
	regexp.MustCompile(`explain in detail`),
}

// Planner gates and performs LLM query decomposition.
type Planner struct {
	chat   *llm.Service
	logger *observability.Logger
}

// New creates a Planner.
func New(chat *llm.Service, logger *observability.Logger) *Planner {
	return &Planner{chat: chat, logger: logger}
}

// ShouldDecompose is a deterministic gate that avoids LLM latency for
// simple questions.
func ShouldDecompose(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}

	// Short queries are almost never complex enough.
	if len(q) < 40 {
		return false
	}

	for _, marker := range complexMarkers {
		if marker.MatchString(q) {
			return true
		}
	}

	return len(strings.Fields(q)) > 15
}

// Decompose asks the model to split the query into sub-questions. Returns
// nil on any LLM or parse failure; callers fall back to the raw query.
func (p *Planner) Decompose(ctx context.Context, query string) []string {
	response, err := p.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}, llm.Options{
		JSONMode: true,
		// The larger local tier decomposes noticeably better.
		ProviderOverride: "ollama_b",
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("decomposition failed")
		return nil
	}

	parsed := llmjson.Parse(response)
	if parsed.Kind == llmjson.Unparsed {
		p.logger.Warn().Str("response", response).Msg("decomposition returned unparseable JSON")
		return nil
	}

	subs := llmjson.Strings(parsed.Data, "sub_questions")
	if len(subs) == 0 {
		return nil
	}

	p.logger.Info().Str("query", query).Int("sub_count", len(subs)).Msg("query decomposed")
	return subs
}
