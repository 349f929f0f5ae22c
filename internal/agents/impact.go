package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/retrieval"
)

const (
	impactMaxChangedFiles = 3
	impactChunkChars      = 400
	impactChangesChars    = 1200
	impactContextChars    = 800
)

const impactSystemPrompt = `You analyze code changes for risks. Given changed files and code, respond with JSON.

EXAMPLE, if someone changed ` + "`utils/auth.py`" + `:
{"indirectly_affected": [{"file_path": "routes/login.py", "reason": "imports auth module"}], "risk_level": "MEDIUM", "risks": ["Changing auth logic may break login flow"], "recommendations": ["Test login and signup flows after this change"]}

RULES:
- risk_level must be exactly ONE of: LOW, MEDIUM, HIGH, CRITICAL
- risks and recommendations must be specific to these actual changes, NO generic placeholder text
- If the change is documentation-only, set risk_level to LOW
- NEVER output template text like "risk 1" or "recommendation 1"

Respond ONLY with valid JSON, no extra text.`

var riskLevels = map[string]bool{
	"LOW":      true,
	"MEDIUM":   true,
	"HIGH":     true,
	"CRITICAL": true,
}

// ImpactFile names a file likely affected by a change, with the reason.
type ImpactFile struct {
	FilePath string `json:"file_path"`
	Reason   string `json:"reason"`
}

// ImpactReport summarizes the blast radius of a code change.
type ImpactReport struct {
	DirectlyChanged    []string     `json:"directly_changed"`
	IndirectlyAffected []ImpactFile `json:"indirectly_affected"`
	RiskLevel          string       `json:"risk_level"`
	Risks              []string     `json:"risks"`
	Recommendations    []string     `json:"recommendations"`
}

// ImpactAnalyzer estimates change impact from retrieval context plus model
// reasoning.
type ImpactAnalyzer struct {
	chat      *llm.Service
	retriever *retrieval.Retriever
	logger    *observability.Logger
}

// NewImpactAnalyzer creates an ImpactAnalyzer.
func NewImpactAnalyzer(chat *llm.Service, retriever *retrieval.Retriever, logger *observability.Logger) *ImpactAnalyzer {
	return &ImpactAnalyzer{chat: chat, retriever: retriever, logger: logger}
}

// Analyze reports direct and indirect impact of the given changes. It never
// returns an error; failures degrade to a MEDIUM-risk fallback report.
func (ia *ImpactAnalyzer) Analyze(ctx context.Context, repoID, codeChanges string, changedFiles []string) ImpactReport {
	if len(changedFiles) == 0 {
		return ImpactReport{
			RiskLevel:       "LOW",
			Risks:           []string{"No files changed"},
			Recommendations: []string{"Verify changes were applied correctly"},
		}
	}

	related := ia.relatedContext(ctx, repoID, changedFiles)

	response, err := ia.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: impactSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Changed files: %s\n\nCode changes:\n%s\n\nRelated repository files:\n%s",
			strings.Join(changedFiles, ", "),
			truncate(codeChanges, impactChangesChars),
			truncate(related, impactContextChars))},
	}, llm.Options{JSONMode: true, MaxTokens: 512})
	if err != nil {
		ia.logger.Error().Err(err).Str("repo_id", repoID).Msg("impact analysis llm call failed")
		return fallbackImpactReport(changedFiles)
	}

	parsed := llmjson.Parse(response)
	if parsed.Kind == llmjson.Unparsed {
		ia.logger.Warn().Msg("impact analysis returned unparseable JSON")
		return fallbackImpactReport(changedFiles)
	}

	report := ImpactReport{
		DirectlyChanged:    changedFiles,
		IndirectlyAffected: parseImpactFiles(parsed.Data),
		RiskLevel:          normalizeRiskLevel(llmjson.Str(parsed.Data, "risk_level", "MEDIUM")),
		Risks:              llmjson.Strings(parsed.Data, "risks"),
		Recommendations:    llmjson.Strings(parsed.Data, "recommendations"),
	}
	return report
}

// relatedContext retrieves snippets from files that reference the changed
// ones. Retrieval failures are logged and skipped.
func (ia *ImpactAnalyzer) relatedContext(ctx context.Context, repoID string, changedFiles []string) string {
	if ia.retriever == nil {
		return ""
	}

	changed := make(map[string]bool, len(changedFiles))
	for _, f := range changedFiles {
		changed[f] = true
	}

	var sb strings.Builder
	limit := min(len(changedFiles), impactMaxChangedFiles)
	for _, filePath := range changedFiles[:limit] {
		query := fmt.Sprintf("files that import or reference %s", filePath)
		chunks, err := ia.retriever.Retrieve(ctx, repoID, query, 2)
		if err != nil {
			ia.logger.Warn().Err(err).Str("file", filePath).Msg("retrieval failed for impact")
			continue
		}
		for _, chunk := range chunks {
			if changed[chunk.FilePath] {
				continue
			}
			fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", chunk.FilePath, truncate(chunk.Content, impactChunkChars))
		}
	}
	return sb.String()
}

func parseImpactFiles(data map[string]any) []ImpactFile {
	raw, ok := data["indirectly_affected"].([]any)
	if !ok {
		return nil
	}

	var out []ImpactFile
	for _, item := range raw {
		switch v := item.(type) {
		case map[string]any:
			out = append(out, ImpactFile{
				FilePath: llmjson.Str(v, "file_path", "unknown"),
				Reason:   llmjson.Str(v, "reason", ""),
			})
		case string:
			out = append(out, ImpactFile{FilePath: v, Reason: "referenced"})
		}
	}
	return out
}

func normalizeRiskLevel(level string) string {
	level = strings.ToUpper(strings.TrimSpace(level))
	if !riskLevels[level] {
		return "MEDIUM"
	}
	return level
}

func fallbackImpactReport(changedFiles []string) ImpactReport {
	return ImpactReport{
		DirectlyChanged: changedFiles,
		RiskLevel:       "MEDIUM",
		Risks:           []string{"Impact analysis encountered an error, review changes manually"},
		Recommendations: []string{"Check imports and dependencies of changed files"},
	}
}
