// Package agents implements the LLM-backed workers: answering, code
// generation, test generation, and evaluation.
package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/repopilot-ai/repopilot/internal/chunker"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

const (
	maxContextChunks = 3
	maxChunkChars    = 800
	maxCitations     = 3
	snippetChars     = 180

	sectionShortAnswer = "## Short Answer"
	sectionEvidence    = "## Evidence From Code"
	sectionNextStep    = "## Practical Next Step"
)

const answerSystemPrompt = `You are RepoPilot, an engineering assistant that answers questions about a specific codebase.

Rules:
1. Use ONLY the provided context. Cite sources inline as [S1], [S2].
2. Structure your answer with the sections "## Short Answer", "## Evidence From Code", and "## Practical Next Step".
3. If the context does not cover the question, say so and set confidence to "low".

Return a JSON object with this exact structure:
{
    "answer": "markdown text with the three sections",
    "citations": [{"file_path": "path/to/file", "line_range": "L10-L20", "why": "reason this is relevant"}],
    "confidence": "high" or "medium" or "low",
    "assumptions": ["any assumptions made"]
}`

const answerStreamSystemPrompt = `You are RepoPilot, an engineering assistant that answers questions about a specific codebase.
Use ONLY the provided context. Cite sources inline as [S1], [S2]. Respond in Markdown only, no JSON.`

// Citation points at the evidence behind part of an answer.
type Citation struct {
	FilePath  string `json:"file_path"`
	LineRange string `json:"line_range"`
	Snippet   string `json:"snippet,omitempty"`
	Why       string `json:"why,omitempty"`
}

// Answer is a grounded response with calibrated confidence.
type Answer struct {
	Answer      string     `json:"answer"`
	Citations   []Citation `json:"citations"`
	Confidence  string     `json:"confidence"`
	Assumptions []string   `json:"assumptions,omitempty"`
}

// Answerer produces cited answers from retrieved chunks.
type Answerer struct {
	chat   *llm.Service
	logger *observability.Logger
}

// NewAnswerer creates an Answerer.
func NewAnswerer(chat *llm.Service, logger *observability.Logger) *Answerer {
	return &Answerer{chat: chat, logger: logger}
}

// Answer generates a structured, cited answer. It never returns an error;
// failures degrade to a low-confidence response.
func (a *Answerer) Answer(ctx context.Context, query string, chunks []chunker.Chunk, conversationContext string) Answer {
	if len(chunks) == 0 {
		return noEvidenceAnswer(query)
	}

	response, err := a.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: buildAnswerUserMessage(query, chunks, conversationContext)},
	}, llm.Options{JSONMode: true})
	if err != nil {
		a.logger.Warn().Err(err).Msg("answer generation failed")
		return Answer{
			Answer:      ensureSections("The model could not be reached to answer this question.", nil),
			Citations:   synthesizeCitations(chunks),
			Confidence:  "low",
			Assumptions: []string{err.Error()},
		}
	}

	parsed := llmjson.Parse(response)

	var answerText, llmConfidence string
	var rawCitations []map[string]any
	var assumptions []string

	if parsed.Kind == llmjson.Unparsed {
		answerText = response
		llmConfidence = "low"
		assumptions = []string{"Response format was not valid JSON"}
	} else {
		answerText = llmjson.Str(parsed.Data, "answer", "")
		if answerText == "" {
			if extracted, ok := llmjson.ExtractStringField(response, "answer"); ok {
				answerText = extracted
			} else {
				answerText = response
			}
		}
		llmConfidence = llmjson.Str(parsed.Data, "confidence", "low")
		rawCitations = llmjson.Objects(parsed.Data, "citations")
		assumptions = llmjson.Strings(parsed.Data, "assumptions")
	}

	answerText = cleanAnswerText(answerText)

	citations := validateCitations(rawCitations, chunks)
	if len(citations) == 0 {
		citations = synthesizeCitations(chunks)
	}

	confidence := calibrateConfidence(answerText, citations, llmConfidence, assumptions)
	if confidence != "low" {
		assumptions = nil
	}

	return Answer{
		Answer:      ensureSections(answerText, citations),
		Citations:   citations,
		Confidence:  confidence,
		Assumptions: assumptions,
	}
}

// AnswerStream yields partial markdown fragments. The JSON and calibration
// path is bypassed; streaming favors latency over structure.
func (a *Answerer) AnswerStream(ctx context.Context, query string, chunks []chunker.Chunk, conversationContext string) <-chan llm.StreamChunk {
	return a.chat.Stream(ctx, []llm.Message{
		{Role: "system", Content: answerStreamSystemPrompt},
		{Role: "user", Content: buildAnswerUserMessage(query, chunks, conversationContext)},
	}, llm.Options{})
}

func buildAnswerUserMessage(query string, chunks []chunker.Chunk, conversationContext string) string {
	var sb strings.Builder

	if len(chunks) == 0 {
		sb.WriteString("Context: no relevant code chunks were retrieved.\n")
	} else {
		sb.WriteString("Context:\n")
		limit := len(chunks)
		if limit > maxContextChunks {
			limit = maxContextChunks
		}
		for i := 0; i < limit; i++ {
			content := chunks[i].Content
			if len(content) > maxChunkChars {
				content = content[:maxChunkChars] + "... [truncated]"
			}
			fmt.Fprintf(&sb, "[S%d]\nFile: %s\nLines: %s\nContent:\n%s\n---\n",
				i+1, chunks[i].FilePath, chunks[i].LineRange(), content)
		}
	}

	if conversationContext != "" {
		sb.WriteString("\nConversation so far:\n")
		sb.WriteString(conversationContext)
		sb.WriteString("\n")
	}

	sb.WriteString("\nQuestion: ")
	sb.WriteString(query)
	return sb.String()
}

func noEvidenceAnswer(query string) Answer {
	text := sectionShortAnswer + "\nNo indexed evidence was retrieved for this question, so I cannot answer it from the repository.\n\n" +
		sectionEvidence + "\nNo matching chunks were found in the index.\n\n" +
		sectionNextStep + "\nMake sure the repository is indexed, then rephrase the question using identifiers that appear in the code.\n"

	return Answer{
		Answer:      text,
		Confidence:  "low",
		Assumptions: []string{"No retrieved context; the question may target files that were not indexed."},
	}
}

// jsonLeakRe matches metadata fragments models sometimes leave inside the
// answer string.
var jsonLeakRe = regexp.MustCompile(`(?m)^\s*"?(citations|confidence|assumptions)"?\s*:\s*.*$`)

func cleanAnswerText(text string) string {
	text = llmjson.StripFences(text)
	text = jsonLeakRe.ReplaceAllString(text, "")
	text = strings.Trim(text, " \n\t{}\",")
	return strings.TrimSpace(text)
}

var lineRangeRe = regexp.MustCompile(`(?i)L?\s*(\d+)\s*-\s*L?\s*(\d+)`)

// normalizeLineRange rewrites forms like "10-20" or "L10 - L20" to "L10-L20".
func normalizeLineRange(raw string) string {
	m := lineRangeRe.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return "L" + m[1] + "-L" + m[2]
}

// validateCitations keeps only citations that point at retrieved chunks. A
// citation whose file path matches but whose range does not adopts the
// chunk's range. Duplicates are dropped; at most maxCitations survive.
func validateCitations(raw []map[string]any, chunks []chunker.Chunk) []Citation {
	byExact := make(map[string]*chunker.Chunk)
	byPath := make(map[string]*chunker.Chunk)
	for i := range chunks {
		ch := &chunks[i]
		byExact[ch.FilePath+"|"+ch.LineRange()] = ch
		if _, ok := byPath[ch.FilePath]; !ok {
			byPath[ch.FilePath] = ch
		}
	}

	var out []Citation
	seen := make(map[string]bool)

	for _, rc := range raw {
		filePath := strings.TrimSpace(llmjson.Str(rc, "file_path", ""))
		if filePath == "" {
			continue
		}
		lineRange := normalizeLineRange(llmjson.Str(rc, "line_range", ""))
		why := llmjson.Str(rc, "why", "")
		snippet := llmjson.Str(rc, "snippet", "")

		var matched *chunker.Chunk
		if lineRange != "" {
			matched = byExact[filePath+"|"+lineRange]
		}
		if matched == nil {
			if ch, ok := byPath[filePath]; ok {
				matched = ch
				lineRange = ch.LineRange()
			}
		}
		if matched == nil {
			continue
		}

		key := filePath + "|" + lineRange
		if seen[key] {
			continue
		}
		seen[key] = true

		if snippet == "" {
			snippet = truncate(matched.Content, snippetChars)
		}
		out = append(out, Citation{FilePath: filePath, LineRange: lineRange, Snippet: snippet, Why: why})
		if len(out) >= maxCitations {
			break
		}
	}
	return out
}

// synthesizeCitations builds citations straight from the top chunks when
// the model supplied none that validate.
func synthesizeCitations(chunks []chunker.Chunk) []Citation {
	limit := len(chunks)
	if limit > maxCitations {
		limit = maxCitations
	}

	out := make([]Citation, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, Citation{
			FilePath:  chunks[i].FilePath,
			LineRange: chunks[i].LineRange(),
			Snippet:   truncate(chunks[i].Content, snippetChars),
			Why:       "Retrieved as relevant context",
		})
	}
	return out
}

var uncertaintyMarkers = []string{
	"i'm not sure", "i am not sure", "cannot determine", "unclear from the context",
	"no relevant context", "i don't have enough", "unable to find",
}

var sourceRefRe = regexp.MustCompile(`\[S\d+\]`)

// calibrateConfidence derives the final confidence level from citation
// coverage, the model's own estimate, inline source references, and
// uncertainty markers.
func calibrateConfidence(answerText string, citations []Citation, llmConfidence string, assumptions []string) string {
	level := 0
	switch {
	case len(citations) >= 3:
		level = 2
	case len(citations) >= 2:
		level = 1
	}

	if l, ok := confidenceLevel(llmConfidence); ok && l > level {
		level = l
	}

	if !sourceRefRe.MatchString(answerText) && level > 1 {
		level = 1
	}

	if len(assumptions) > 0 {
		level--
	}

	lower := strings.ToLower(answerText)
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			level = 0
			break
		}
	}
	if isPlaceholderText(answerText) {
		level = 0
	}

	switch {
	case level >= 2:
		return "high"
	case level == 1:
		return "medium"
	default:
		return "low"
	}
}

func confidenceLevel(s string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return 2, true
	case "medium":
		return 1, true
	case "low":
		return 0, true
	}
	return 0, false
}

var sectionAliases = map[string]*regexp.Regexp{
	sectionShortAnswer: regexp.MustCompile(`(?im)^#{2,3}\s*(short\s+)?answer\s*$`),
	sectionEvidence:    regexp.MustCompile(`(?im)^#{2,3}\s*evidence( from (the )?code)?\s*$`),
	sectionNextStep:    regexp.MustCompile(`(?im)^#{2,3}\s*(practical\s+)?next\s+steps?\s*$`),
}

// ensureSections guarantees the three required headers, normalizing aliases
// and synthesizing missing sections from citations.
func ensureSections(text string, citations []Citation) string {
	for canonical, alias := range sectionAliases {
		text = alias.ReplaceAllString(text, canonical)
	}

	hasShort := strings.Contains(text, sectionShortAnswer)
	hasEvidence := strings.Contains(text, sectionEvidence)
	hasNext := strings.Contains(text, sectionNextStep)
	if hasShort && hasEvidence && hasNext {
		return text
	}

	var sb strings.Builder

	if hasShort {
		sb.WriteString(text)
	} else {
		sb.WriteString(sectionShortAnswer + "\n")
		sb.WriteString(strings.TrimSpace(text))
		sb.WriteString("\n")
	}

	if !hasEvidence {
		sb.WriteString("\n" + sectionEvidence + "\n")
		if len(citations) == 0 {
			sb.WriteString("No direct code evidence was cited.\n")
		}
		for _, c := range citations {
			why := c.Why
			if why == "" {
				why = "relevant to the question"
			}
			fmt.Fprintf(&sb, "- `%s` (%s): %s\n", c.FilePath, c.LineRange, why)
		}
	}

	if !hasNext {
		sb.WriteString("\n" + sectionNextStep + "\n")
		if len(citations) > 0 {
			fmt.Fprintf(&sb, "Open `%s` at %s and verify the behavior described above.\n",
				citations[0].FilePath, citations[0].LineRange)
		} else {
			sb.WriteString("Index the repository and ask again with more specific identifiers.\n")
		}
	}

	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
