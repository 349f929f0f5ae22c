// Package routing decides which agents handle an incoming query.
package routing

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

// Agent actions. A routing decision names one primary action plus optional
// secondary and parallel actions.
const (
	ActionExplain   = "EXPLAIN"
	ActionGenerate  = "GENERATE"
	ActionTest      = "TEST"
	ActionDecompose = "DECOMPOSE"
	ActionRefuse    = "REFUSE"
)

const routingSystemPrompt = `You are a routing controller for RepoPilot.
Analyze the user query and decide which agents should handle it.

Available agents:
- EXPLAIN: Answer questions about the codebase (Q&A)
- GENERATE: Generate new code or modify existing code
- TEST: Generate PyTest test cases
- DECOMPOSE: Break complex multi-part queries into sub-questions first
- REFUSE: When the query is unsafe, malicious, harmful, or asks to exploit/hack/steal/destroy

REFUSE rules (IMPORTANT, these MUST route to REFUSE):
- Requests involving exploits, hacking, malware, backdoors, or any malicious code
- Queries about stealing credentials, dumping passwords, extracting secrets
- Destructive operations like wiping data, dropping databases, rm -rf
- Social engineering, phishing, DDoS, brute force attacks
- Any query that asks to bypass or disable security or authentication

DECOMPOSE rules:
- Questions about architecture, system-wide flow, or multi-component interactions
- Questions that mention "across", "end-to-end", "full pipeline", "how does X work together"
- Complex multi-part questions with multiple sub-topics

Other rules:
- Simple questions -> EXPLAIN only
- "Add X" / "Create X" / "Implement X" -> GENERATE (may add TEST in parallel)
- "Write tests for X" -> TEST only
- "Refactor X and add tests" -> GENERATE + TEST in parallel

Return JSON:
{
  "primary_action": "EXPLAIN|GENERATE|TEST|DECOMPOSE|REFUSE",
  "secondary_actions": [],
  "reasoning": "Why this routing",
  "confidence": 0.85,
  "should_decompose": false,
  "parallel_agents": [],
  "skip_agents": []
}`

// refusePatterns is the deterministic safety filter checked before any model
// call. A match short-circuits routing to REFUSE.
var refusePatterns = []string{
	// Destructive operations
	"delete prod", "drop database", "rm -rf", "format disk", "wipe",
	// Credential / secret theft
	"dump password", "steal credential", "extract secret", "api key",
	"show all passwords", "dump users", "leak token", "exfiltrate",
	// Malicious intent
	"exploit", "vulnerability exploit", "malicious", "backdoor",
	"inject payload", "reverse shell", "keylogger", "ransomware",
	"sql injection", "xss attack", "csrf attack", "privilege escalation",
	// Bypass / evasion
	"bypass auth", "bypass security", "disable security", "disable auth",
	"circumvent", "evade detection",
	// Harmful / unethical
	"hack into", "brute force", "ddos", "denial of service", "phishing",
	"social engineer", "spoof", "man in the middle",
}

var decomposeMarkers = []*regexp.Regexp{
	regexp.MustCompile(`architecture`),
	regexp.MustCompile(`flow`),
	regexp.MustCompile(`end-to-end`),
	regexp.MustCompile(`across`),
	regexp.MustCompile(`interaction`),
	regexp.MustCompile(`dependency`),
	regexp.MustCompile(`dependencies`),
	regexp.MustCompile(`compare`),
	regexp.MustCompile(`tradeoff`),
	regexp.MustCompile(`refactor`),
	regexp.MustCompile(`security`),
	regexp.MustCompile(`performance`),
	regexp.MustCompile(`multi`),
	regexp.MustCompile(`overview`),
	regexp.MustCompile(`entire`),
	regexp.MustCompile(`all the`),
	regexp.MustCompile(`how does.*work together`),
	regexp.MustCompile(`walk me through`),
	regexp.MustCompile(`step by step`),
	regexp.MustCompile(`trace the`),
	regexp.MustCompile(`full pipeline`),
	regexp.MustCompile(`whole system`),
}

var validActions = map[string]bool{
	ActionExplain:   true,
	ActionGenerate:  true,
	ActionTest:      true,
	ActionDecompose: true,
	ActionRefuse:    true,
}

// Decision is the routing outcome for one query.
type Decision struct {
	PrimaryAction    string   `json:"primary_action"`
	SecondaryActions []string `json:"secondary_actions"`
	Reasoning        string   `json:"reasoning"`
	Confidence       float64  `json:"confidence"`
	ShouldDecompose  bool     `json:"should_decompose"`
	ParallelAgents   []string `json:"parallel_agents"`
	SkipAgents       []string `json:"skip_agents"`
}

// AgentsUsed returns the deduplicated union of primary, secondary, and
// parallel actions, in first-mention order.
func (d Decision) AgentsUsed() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	add(d.PrimaryAction)
	for _, a := range d.SecondaryActions {
		add(a)
	}
	for _, a := range d.ParallelAgents {
		add(a)
	}
	return out
}

// Wants reports whether the decision names the action anywhere.
func (d Decision) Wants(action string) bool {
	for _, a := range d.AgentsUsed() {
		if a == action {
			return true
		}
	}
	return false
}

// Router classifies queries into agent actions. Model-backed routing runs on
// the smallest tier first, and every failure path degrades to keyword
// heuristics, so Route always produces a decision.
type Router struct {
	chat   *llm.Service
	logger *observability.Logger
}

// NewRouter creates a Router backed by the given chat service.
func NewRouter(chat *llm.Service, logger *observability.Logger) *Router {
	return &Router{chat: chat, logger: logger}
}

// Route decides which agents should handle the query.
func (r *Router) Route(ctx context.Context, query, repoContext string) Decision {
	if IsUnsafeQuery(query) {
		r.logger.Info().Str("query", truncateQuery(query)).Msg("routing pre-check refused query")
		return Decision{
			PrimaryAction: ActionRefuse,
			Reasoning:     "Query matched safety filter (pre-routing check)",
			Confidence:    0.99,
		}
	}

	if repoContext == "" {
		repoContext = "General"
	}
	messages := []llm.Message{
		{Role: "system", Content: routingSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Query: %s\nRepo context: %s", query, repoContext)},
	}

	// Smallest tier first. The routing task is pure classification, so the
	// ultra-light model usually suffices.
	for _, tier := range []string{"ollama_router", "ollama"} {
		raw, err := r.chat.Complete(ctx, messages, llm.Options{
			JSONMode:         true,
			MaxTokens:        256,
			ProviderOverride: tier,
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("tier", tier).Msg("routing tier failed")
			continue
		}
		decision, err := parseDecision(raw)
		if err != nil {
			r.logger.Warn().Err(err).Str("tier", tier).Msg("routing response unusable")
			continue
		}
		r.logger.Info().Str("tier", tier).Str("action", decision.PrimaryAction).Msg("routed via model")
		return decision
	}

	r.logger.Warn().Msg("model routing failed, using heuristics")
	return HeuristicRoute(query)
}

// IsUnsafeQuery reports whether the query matches the deterministic refusal
// filter.
func IsUnsafeQuery(query string) bool {
	q := strings.ToLower(query)
	for _, pattern := range refusePatterns {
		if strings.Contains(q, pattern) {
			return true
		}
	}
	return false
}

// HeuristicRoute is the keyword fallback used when all model tiers fail.
func HeuristicRoute(query string) Decision {
	q := strings.ToLower(query)

	if IsUnsafeQuery(q) {
		return Decision{PrimaryAction: ActionRefuse, Reasoning: "Unsafe operation detected", Confidence: 0.95}
	}

	testKeywords := []string{"test", "pytest", "unittest", "write tests"}
	for _, k := range testKeywords {
		if strings.Contains(q, k) {
			return Decision{PrimaryAction: ActionTest, Reasoning: "Test generation request", Confidence: 0.9}
		}
	}

	genKeywords := []string{
		"add", "create", "implement", "build", "write code", "generate",
		"refactor", "modify", "change", "proceed", "go ahead", "make the code",
		"generate the code", "create the code", "original request",
	}
	for _, k := range genKeywords {
		if strings.Contains(q, k) {
			return Decision{
				PrimaryAction:    ActionGenerate,
				SecondaryActions: []string{ActionTest},
				ParallelAgents:   []string{ActionTest},
				Reasoning:        "Code generation with parallel test gen",
				Confidence:       0.85,
			}
		}
	}

	words := len(strings.Fields(q))
	if hasDecomposeMarker(q) && words > 8 {
		return Decision{
			PrimaryAction:    ActionDecompose,
			SecondaryActions: []string{ActionExplain},
			ShouldDecompose:  true,
			Reasoning:        "Complex query with architecture/multi-component markers",
			Confidence:       0.8,
		}
	}

	if words > 20 {
		return Decision{
			PrimaryAction:    ActionDecompose,
			SecondaryActions: []string{ActionExplain},
			ShouldDecompose:  true,
			Reasoning:        "Complex query needs decomposition (length heuristic)",
			Confidence:       0.7,
		}
	}

	return Decision{
		PrimaryAction: ActionExplain,
		Reasoning:     "Simple Q&A",
		Confidence:    0.8,
		SkipAgents:    []string{ActionGenerate, ActionTest, ActionDecompose},
	}
}

func hasDecomposeMarker(q string) bool {
	for _, marker := range decomposeMarkers {
		if marker.MatchString(q) {
			return true
		}
	}
	return false
}

func parseDecision(raw string) (Decision, error) {
	parsed := llmjson.Parse(raw)
	if parsed.Kind == llmjson.Unparsed {
		return Decision{}, fmt.Errorf("routing response is not JSON")
	}

	primary := strings.ToUpper(strings.TrimSpace(llmjson.Str(parsed.Data, "primary_action", "")))
	if !validActions[primary] {
		return Decision{}, fmt.Errorf("unknown primary action %q", primary)
	}

	d := Decision{
		PrimaryAction:    primary,
		SecondaryActions: normalizeActions(llmjson.Strings(parsed.Data, "secondary_actions")),
		Reasoning:        llmjson.Str(parsed.Data, "reasoning", ""),
		Confidence:       llmjson.Float(parsed.Data, "confidence", 0.5),
		ShouldDecompose:  llmjson.Bool(parsed.Data, "should_decompose", false),
		ParallelAgents:   normalizeActions(llmjson.Strings(parsed.Data, "parallel_agents")),
		SkipAgents:       normalizeActions(llmjson.Strings(parsed.Data, "skip_agents")),
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	if primary == ActionDecompose {
		d.ShouldDecompose = true
	}
	return d, nil
}

func normalizeActions(in []string) []string {
	var out []string
	for _, a := range in {
		a = strings.ToUpper(strings.TrimSpace(a))
		if validActions[a] {
			out = append(out, a)
		}
	}
	return out
}

func truncateQuery(q string) string {
	if len(q) > 80 {
		return q[:80]
	}
	return q
}
