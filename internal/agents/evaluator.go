package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

// Controller decisions.
const (
	DecisionAcceptOriginal  = "ACCEPT_ORIGINAL"
	DecisionMergeFeedback   = "MERGE_FEEDBACK"
	DecisionRequestRevision = "REQUEST_REVISION"
)

const (
	maxCodeBundleChars = 10_000
	maxFileChars       = 2_200
	reviewerMaxTokens  = 900
)

const criticPrompt = `You are the CRITIC reviewer.
You focus on correctness, logic bugs, security, and requirement fit.
Return valid JSON only.

User request:
%s

Context:
%s

Generated code:
%s

Generated tests:
%s

Return JSON with this schema:
{
  "score": 0-10 number,
  "issues": ["specific issue"],
  "feedback": "concise technical analysis",
  "suggested_changes": ["specific fix"]
}`

const defenderPrompt = `You are the DEFENDER reviewer.
You focus on edge cases, robustness, style, maintainability, and testability.
Return valid JSON only.

User request:
%s

Context:
%s

Generated code:
%s

Generated tests:
%s

Return JSON with this schema:
{
  "score": 0-10 number,
  "issues": ["specific issue"],
  "feedback": "concise technical analysis",
  "suggested_changes": ["specific fix"]
}`

const controllerPrompt = `You are the CONTROLLER.
Synthesize two independent reviews into a final decision.
Return valid JSON only.

User request:
%s

Generated code:
%s

Critic review JSON:
%s

Defender review JSON:
%s

Decision rules (choose ONE):
- ACCEPT_ORIGINAL: Both reviewers scored 8+ AND no security/correctness issues. Code is ready as-is.
- MERGE_FEEDBACK: Average score is 5-7 OR reviewers found improvement opportunities that you can fix. You MUST provide the improved code in improved_code_by_file with concrete fixes applied.
- REQUEST_REVISION: Average score below 5 OR critical security/correctness bugs that need major rework.

IMPORTANT: Prefer MERGE_FEEDBACK when there are fixable issues. Only use ACCEPT_ORIGINAL for genuinely clean code. Only use REQUEST_REVISION for unfixable problems.

IMPORTANT for improved_code_by_file:
- When decision is MERGE_FEEDBACK, you MUST write the ACTUAL COMPLETE improved source code in the "code" field.
- The code MUST be real, compilable/runnable code, NOT a description or placeholder.
- Copy the original generated code and apply your fixes to produce the final version.
- If you cannot produce improved code, use ACCEPT_ORIGINAL instead.

Return JSON with this schema:
{
  "decision": "ACCEPT_ORIGINAL|REQUEST_REVISION|MERGE_FEEDBACK",
  "reasoning": "why",
  "final_score": 0-10 number,
  "confidence": 0-1 number,
  "merged_issues": ["merged issue"],
  "priority_fixes": ["ordered high-impact fix"],
  "improved_code_by_file": [{"file_path":"the_file.ext", "code":"actual fixed code"}]
}`

// improvedCodePlaceholders are controller outputs that describe code
// instead of containing it.
var improvedCodePlaceholders = map[string]bool{
	"full improved file content": true,
	"improved file content":      true,
	"actual fixed code":          true,
	"your improved code here":    true,
	"improved code here":         true,
	"write code here":            true,
}

// ReviewerVerdict is one reviewer's scored assessment.
type ReviewerVerdict struct {
	Provider         string   `json:"provider"`
	Score            float64  `json:"score"`
	Issues           []string `json:"issues"`
	Feedback         string   `json:"feedback"`
	SuggestedChanges []string `json:"suggested_changes"`
}

// ImprovedFile is controller-supplied replacement code for one file.
type ImprovedFile struct {
	FilePath string `json:"file_path"`
	Code     string `json:"code"`
}

// ControllerVerdict is the synthesized final decision.
type ControllerVerdict struct {
	Decision           string         `json:"decision"`
	Reasoning          string         `json:"reasoning"`
	FinalScore         float64        `json:"final_score"`
	Confidence         float64        `json:"confidence"`
	MergedIssues       []string       `json:"merged_issues"`
	PriorityFixes      []string       `json:"priority_fixes"`
	ImprovedCodeByFile []ImprovedFile `json:"improved_code_by_file"`
}

// EvaluationResult bundles both reviews and the controller verdict.
type EvaluationResult struct {
	Enabled    bool              `json:"enabled"`
	Critic     *ReviewerVerdict  `json:"critic"`
	Defender   *ReviewerVerdict  `json:"defender"`
	Controller ControllerVerdict `json:"controller"`
}

// EvaluationRequest carries the material under review.
type EvaluationRequest struct {
	RequestText    string
	GeneratedDiffs []FileDiff
	TestsText      string
	Context        string
}

// Evaluator runs the critic-defender-controller review pipeline.
type Evaluator struct {
	chat   *llm.Service
	logger *observability.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(chat *llm.Service, logger *observability.Logger) *Evaluator {
	return &Evaluator{chat: chat, logger: logger}
}

// Evaluate reviews generated diffs. Reviewer failures degrade to nil
// verdicts; the controller always produces a decision, via fallback scoring
// if its own call fails.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) EvaluationResult {
	bundle := buildCodeBundle(req.GeneratedDiffs)
	if strings.TrimSpace(bundle) == "" {
		return disabledResult("No generated diffs to evaluate.")
	}

	// Critic on the small tier, defender on the larger one: disagreement
	// between differently sized models surfaces more issues.
	var critic, defender *ReviewerVerdict
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		critic = e.runReviewer(ctx, criticPrompt, "ollama", "critic", req, bundle)
	}()
	go func() {
		defer wg.Done()
		defender = e.runReviewer(ctx, defenderPrompt, "ollama_b", "defender", req, bundle)
	}()
	wg.Wait()

	controller := e.runController(ctx, req.RequestText, bundle, critic, defender)

	return EvaluationResult{
		Enabled:    true,
		Critic:     critic,
		Defender:   defender,
		Controller: controller,
	}
}

func (e *Evaluator) runReviewer(ctx context.Context, template, provider, name string, req EvaluationRequest, bundle string) *ReviewerVerdict {
	tests := strings.TrimSpace(req.TestsText)
	if len(tests) > 2000 {
		tests = tests[:2000] + "\n... [truncated]"
	}
	if tests == "" {
		tests = "None"
	}
	contextText := strings.TrimSpace(req.Context)
	if contextText == "" {
		contextText = "None"
	}
	if len(contextText) > 2000 {
		contextText = contextText[:2000]
	}

	prompt := fmt.Sprintf(template, strings.TrimSpace(req.RequestText), contextText, bundle, tests)

	response, err := e.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: "Return valid JSON only. No markdown fences."},
		{Role: "user", Content: prompt},
	}, llm.Options{
		JSONMode:         true,
		ProviderOverride: provider,
		Temperature:      0.1,
		MaxTokens:        reviewerMaxTokens,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("reviewer", name).Msg("reviewer failed")
		return nil
	}

	parsed := llmjson.Parse(response)
	if parsed.Kind == llmjson.Unparsed {
		e.logger.Warn().Str("reviewer", name).Msg("reviewer returned unparseable JSON")
		return nil
	}

	return &ReviewerVerdict{
		Provider:         provider,
		Score:            normalizeScore(llmjson.Float(parsed.Data, "score", 0)),
		Issues:           llmjson.Strings(parsed.Data, "issues"),
		Feedback:         strings.TrimSpace(llmjson.Str(parsed.Data, "feedback", "")),
		SuggestedChanges: llmjson.Strings(parsed.Data, "suggested_changes"),
	}
}

func (e *Evaluator) runController(ctx context.Context, requestText, bundle string, critic, defender *ReviewerVerdict) ControllerVerdict {
	criticJSON := reviewerJSON(critic, "critic unavailable")
	defenderJSON := reviewerJSON(defender, "defender unavailable")

	prompt := fmt.Sprintf(controllerPrompt, strings.TrimSpace(requestText), bundle, criticJSON, defenderJSON)

	response, err := e.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: "Return valid JSON only. No markdown fences."},
		{Role: "user", Content: prompt},
	}, llm.Options{
		JSONMode:         true,
		ProviderOverride: "ollama",
		Temperature:      0.1,
		MaxTokens:        reviewerMaxTokens,
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("controller failed, using score fallback")
		return fallbackController(critic, defender)
	}

	parsed := llmjson.Parse(response)
	if parsed.Kind == llmjson.Unparsed {
		e.logger.Warn().Msg("controller returned unparseable JSON, using score fallback")
		return fallbackController(critic, defender)
	}

	decision := normalizeDecision(llmjson.Str(parsed.Data, "decision", ""))

	var improved []ImprovedFile
	for _, item := range llmjson.Objects(parsed.Data, "improved_code_by_file") {
		filePath := llmjson.Str(item, "file_path", "")
		code := strings.TrimSpace(llmjson.Str(item, "code", ""))

		if improvedCodePlaceholders[strings.ToLower(code)] {
			e.logger.Warn().Str("file", filePath).Msg("controller placeholder code rejected")
			continue
		}
		if len(code) < 20 {
			e.logger.Warn().Str("file", filePath).Int("length", len(code)).Msg("controller code too short")
			continue
		}
		if !looksLikeCode(code) {
			e.logger.Warn().Str("file", filePath).Msg("controller code not code-like")
			continue
		}
		improved = append(improved, ImprovedFile{FilePath: filePath, Code: code})
	}

	// Merge without surviving code is just acceptance with commentary.
	if decision == DecisionMergeFeedback && len(improved) == 0 {
		e.logger.Warn().Msg("merge feedback without valid code, downgrading to accept")
		decision = DecisionAcceptOriginal
	}

	return ControllerVerdict{
		Decision:           decision,
		Reasoning:          strings.TrimSpace(llmjson.Str(parsed.Data, "reasoning", "")),
		FinalScore:         normalizeScore(llmjson.Float(parsed.Data, "final_score", 0)),
		Confidence:         normalizeConfidence(llmjson.Float(parsed.Data, "confidence", 0)),
		MergedIssues:       llmjson.Strings(parsed.Data, "merged_issues"),
		PriorityFixes:      llmjson.Strings(parsed.Data, "priority_fixes"),
		ImprovedCodeByFile: improved,
	}
}

// fallbackController derives a decision from reviewer scores alone.
func fallbackController(critic, defender *ReviewerVerdict) ControllerVerdict {
	var scores []float64
	if critic != nil {
		scores = append(scores, critic.Score)
	}
	if defender != nil {
		scores = append(scores, defender.Score)
	}

	var finalScore float64
	for _, s := range scores {
		finalScore += s
	}
	if len(scores) > 0 {
		finalScore /= float64(len(scores))
	}

	var decision string
	switch {
	case finalScore >= 8.0:
		decision = DecisionAcceptOriginal
	case finalScore >= 5.0:
		decision = DecisionMergeFeedback
	default:
		decision = DecisionRequestRevision
	}

	var mergedIssues []string
	if critic != nil {
		for _, issue := range critic.Issues {
			mergedIssues = append(mergedIssues, "[critic] "+issue)
		}
	}
	if defender != nil {
		for _, issue := range defender.Issues {
			mergedIssues = append(mergedIssues, "[defender] "+issue)
		}
	}
	if len(mergedIssues) > 12 {
		mergedIssues = mergedIssues[:12]
	}

	var confidence float64
	switch {
	case critic != nil && defender != nil:
		confidence = 0.85
	case critic != nil || defender != nil:
		confidence = 0.6
	default:
		confidence = 0.2
	}

	priority := mergedIssues
	if len(priority) > 5 {
		priority = priority[:5]
	}

	return ControllerVerdict{
		Decision:      decision,
		Reasoning:     fmt.Sprintf("Controller fallback: avg score %.1f -> %s", finalScore, decision),
		FinalScore:    math.Round(finalScore*100) / 100,
		Confidence:    confidence,
		MergedIssues:  mergedIssues,
		PriorityFixes: priority,
	}
}

// buildCodeBundle concatenates diff bodies with per-file and total caps.
func buildCodeBundle(diffs []FileDiff) string {
	var parts []string
	used := 0

	for _, d := range diffs {
		body := d.Code
		if body == "" {
			body = d.Diff
		}
		text := strings.TrimSpace(body)
		if text == "" {
			continue
		}

		if len(text) > maxFileChars {
			text = text[:maxFileChars] + "\n... [truncated]"
		}

		filePath := strings.TrimSpace(d.FilePath)
		if filePath == "" {
			filePath = "unknown"
		}
		chunk := fmt.Sprintf("File: %s\n%s\n", filePath, text)

		remaining := maxCodeBundleChars - used
		if remaining <= 0 {
			break
		}
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		parts = append(parts, chunk)
		used += len(chunk)
	}

	return strings.Join(parts, "\n---\n")
}

func disabledResult(reason string) EvaluationResult {
	return EvaluationResult{
		Enabled: false,
		Controller: ControllerVerdict{
			Decision:      DecisionRequestRevision,
			Reasoning:     reason,
			MergedIssues:  []string{reason},
			PriorityFixes: []string{"Generate code diffs before evaluation."},
		},
	}
}

func reviewerJSON(v *ReviewerVerdict, missing string) string {
	if v == nil {
		return fmt.Sprintf(`{"error": %q}`, missing)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, missing)
	}
	return string(data)
}

func normalizeScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return math.Round(score*100) / 100
}

func normalizeConfidence(value float64) float64 {
	if math.IsNaN(value) {
		return 0
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	return math.Round(value*100) / 100
}

// normalizeDecision maps mangled model output onto the three decisions.
func normalizeDecision(decision string) string {
	clean := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(decision)), " ", "_")
	switch clean {
	case DecisionAcceptOriginal, DecisionRequestRevision, DecisionMergeFeedback:
		return clean
	}
	switch {
	case strings.Contains(clean, "ACCEPT"):
		return DecisionAcceptOriginal
	case strings.Contains(clean, "MERGE"), strings.Contains(clean, "FEEDBACK"):
		return DecisionMergeFeedback
	case strings.Contains(clean, "REVIS"), strings.Contains(clean, "REJECT"):
		return DecisionRequestRevision
	}
	return DecisionMergeFeedback
}
