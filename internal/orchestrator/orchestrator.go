// Package orchestrator coordinates multi-agent request handling: routing,
// retrieval, answering, generation, evaluation, and test synthesis.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/repopilot-ai/repopilot/internal/agents"
	"github.com/repopilot-ai/repopilot/internal/cache"
	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/planner"
	"github.com/repopilot-ai/repopilot/internal/repo"
	"github.com/repopilot-ai/repopilot/internal/retrieval"
	"github.com/repopilot-ai/repopilot/internal/routing"
)

const (
	defaultResponseTTL      = 10 * time.Minute
	defaultResponseCapacity = 200
	defaultRoutingTTL       = 30 * time.Minute
	defaultRoutingCapacity  = 500

	// Decomposition is a latency optimization, not a correctness step, so it
	// gets a hard deadline.
	plannerTimeout = 8 * time.Second

	refusalAnswer = "I cannot safely process this request."
)

// SmartRequest is one orchestrated query.
type SmartRequest struct {
	RepoID      string `json:"repo_id"`
	Question    string `json:"question"`
	ChatHistory string `json:"chat_history,omitempty"`
}

// ExplainSection is the explain-pipeline slice of a Result.
type ExplainSection struct {
	Answer       string            `json:"answer"`
	Citations    []agents.Citation `json:"citations"`
	Confidence   string            `json:"confidence"`
	SubQuestions []string          `json:"sub_questions,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// TestSection is the test-pipeline slice of a Result. A speculative test run
// discarded after a failed evaluation is reported as skipped.
type TestSection struct {
	Skipped bool                  `json:"skipped,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Result  *agents.TestGenResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Result is the aggregated orchestrator output.
type Result struct {
	Routing       routing.Decision `json:"routing"`
	AgentsUsed    []string         `json:"agents_used"`
	AgentsSkipped []string         `json:"agents_skipped"`

	Answer     string            `json:"answer"`
	Citations  []agents.Citation `json:"citations"`
	Confidence string            `json:"confidence"`

	Explain  *ExplainSection          `json:"explain,omitempty"`
	Generate *agents.GenerationResult `json:"generate,omitempty"`
	Test     *TestSection             `json:"test,omitempty"`

	Evaluation             *agents.EvaluationResult `json:"evaluation,omitempty"`
	EvaluationAction       string                   `json:"evaluation_action,omitempty"`
	EvaluationImprovedCode []agents.ImprovedFile    `json:"evaluation_improved_code,omitempty"`

	FromCache   bool   `json:"_from_cache"`
	CacheRepoID string `json:"_cache_repo_id,omitempty"`
}

// Orchestrator wires the agents together behind a single entry point.
type Orchestrator struct {
	repos     *repo.Manager
	router    *routing.Router
	planner   *planner.Planner
	retriever *retrieval.Retriever
	answerer  *agents.Answerer
	generator *agents.Generator
	testgen   *agents.TestGenerator
	evaluator *agents.Evaluator
	chat      *llm.Service
	cfg       *config.Config
	logger    *observability.Logger

	responses   cache.Client
	routings    cache.Client
	responseTTL time.Duration
	routingTTL  time.Duration
}

// New creates an Orchestrator with in-memory response and routing caches.
func New(
	repos *repo.Manager,
	router *routing.Router,
	pl *planner.Planner,
	retriever *retrieval.Retriever,
	answerer *agents.Answerer,
	generator *agents.Generator,
	testgen *agents.TestGenerator,
	evaluator *agents.Evaluator,
	chat *llm.Service,
	cfg *config.Config,
	logger *observability.Logger,
) *Orchestrator {
	return &Orchestrator{
		repos:       repos,
		router:      router,
		planner:     pl,
		retriever:   retriever,
		answerer:    answerer,
		generator:   generator,
		testgen:     testgen,
		evaluator:   evaluator,
		chat:        chat,
		cfg:         cfg,
		logger:      logger,
		responses:   newCacheClient(cfg, cfg.Cache.ResponseCapacity, defaultResponseCapacity, logger),
		routings:    newCacheClient(cfg, cfg.Cache.RoutingCapacity, defaultRoutingCapacity, logger),
		responseTTL: durationOr(cfg.Cache.ResponseTTL, defaultResponseTTL),
		routingTTL:  durationOr(cfg.Cache.RoutingTTL, defaultRoutingTTL),
	}
}

// newCacheClient honors the configured cache driver, degrading to the
// in-memory client when Redis is unreachable.
func newCacheClient(cfg *config.Config, capacity, fallbackCapacity int, logger *observability.Logger) cache.Client {
	if capacity <= 0 {
		capacity = fallbackCapacity
	}
	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   "repopilot",
		})
		if err == nil {
			return client
		}
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory cache")
	}
	return cache.NewMemoryClient(capacity)
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Smart routes the request, fans out the chosen agents, and aggregates their
// results. It always returns a structured Result; agent failures surface as
// error fields inside the relevant section.
func (o *Orchestrator) Smart(ctx context.Context, req SmartRequest) Result {
	commit := ""
	if rec, ok := o.repos.Get(req.RepoID); ok {
		commit = rec.CommitHash
	}

	respKey := responseKey(req.RepoID, req.Question, commit)
	if raw, err := o.responses.Get(ctx, respKey); err == nil {
		var cached Result
		if json.Unmarshal(raw, &cached) == nil {
			cached.FromCache = true
			o.logger.Info().Str("repo_id", req.RepoID).Msg("smart response served from cache")
			return cached
		}
	}

	decision := o.routeCached(ctx, req)
	result := Result{
		Routing:       decision,
		AgentsUsed:    decision.AgentsUsed(),
		AgentsSkipped: append([]string(nil), decision.SkipAgents...),
		CacheRepoID:   req.RepoID,
	}

	if decision.PrimaryAction == routing.ActionRefuse {
		result.Answer = refusalAnswer
		result.Confidence = "low"
		o.storeResponse(ctx, respKey, result)
		return result
	}

	o.runPhases(ctx, req, decision, &result)
	o.promoteTopLevel(&result)
	o.storeResponse(ctx, respKey, result)
	return result
}

// InvalidateRepo drops all cached responses for a repository. A new commit
// hash changes the key anyway; explicit invalidation keeps memory tidy.
func (o *Orchestrator) InvalidateRepo(ctx context.Context, repoID string) {
	if err := o.responses.DeleteByPrefix(ctx, "resp:"+repoID+":"); err != nil {
		o.logger.Warn().Err(err).Str("repo_id", repoID).Msg("cache invalidation failed")
	}
}

func (o *Orchestrator) routeCached(ctx context.Context, req SmartRequest) routing.Decision {
	key := "route:" + cache.RoutingKey(normalizeQuestion(req.Question))
	if raw, err := o.routings.Get(ctx, key); err == nil {
		var cached routing.Decision
		if json.Unmarshal(raw, &cached) == nil {
			return cached
		}
	}

	decision := o.router.Route(ctx, req.Question, req.RepoID)
	if raw, err := json.Marshal(decision); err == nil {
		_ = o.routings.Set(ctx, key, raw, o.routingTTL)
	}
	return decision
}

// runPhases executes phase A (explain and generate in parallel), then phases
// B and C (evaluation overlapped with speculative test generation).
func (o *Orchestrator) runPhases(ctx context.Context, req SmartRequest, decision routing.Decision, result *Result) {
	wantsExplain := decision.Wants(routing.ActionExplain) || decision.Wants(routing.ActionDecompose)
	wantsGenerate := decision.Wants(routing.ActionGenerate)
	wantsTest := decision.Wants(routing.ActionTest)

	if !wantsExplain && !wantsGenerate && !wantsTest {
		wantsExplain = true
	}

	var wg sync.WaitGroup
	if wantsExplain {
		wg.Add(1)
		go func() {
			defer wg.Done()
			section := o.runExplain(ctx, req, decision.ShouldDecompose)
			result.Explain = &section
		}()
	}
	if wantsGenerate {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen := o.generator.Generate(ctx, req.RepoID, req.Question, req.ChatHistory)
			result.Generate = &gen
		}()
	}
	wg.Wait()

	if result.Generate != nil && len(result.Generate.Diffs) > 0 {
		o.runEvaluationPhase(ctx, req, wantsTest, result)
		return
	}

	if wantsTest {
		section := o.runStandaloneTest(ctx, req)
		result.Test = &section
	}
}

func (o *Orchestrator) runExplain(ctx context.Context, req SmartRequest, decompose bool) ExplainSection {
	queries := []string{req.Question}
	var subs []string
	if decompose {
		plannerCtx, cancel := context.WithTimeout(ctx, plannerTimeout)
		subs = o.planner.Decompose(plannerCtx, req.Question)
		cancel()
		if len(subs) > 0 {
			queries = subs
		}
	}

	chunks, err := o.retriever.RetrieveMulti(ctx, req.RepoID, queries, o.cfg.Retrieval.DefaultK)
	if err != nil {
		return ExplainSection{Error: err.Error(), Confidence: "low", SubQuestions: subs}
	}

	answer := o.answerer.Answer(ctx, req.Question, chunks, req.ChatHistory)
	return ExplainSection{
		Answer:       answer.Answer,
		Citations:    answer.Citations,
		Confidence:   answer.Confidence,
		SubQuestions: subs,
	}
}

// runEvaluationPhase overlaps the evaluator with a speculative test run. The
// test output is only kept when the evaluator does not demand a revision.
func (o *Orchestrator) runEvaluationPhase(ctx context.Context, req SmartRequest, wantsTest bool, result *Result) {
	gen := result.Generate

	var (
		wg         sync.WaitGroup
		evaluation agents.EvaluationResult
		testResult *agents.TestGenResult
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		evaluation = o.evaluator.Evaluate(ctx, agents.EvaluationRequest{
			RequestText:    req.Question,
			GeneratedDiffs: gen.Diffs,
			TestsText:      gen.Tests,
		})
	}()

	if wantsTest {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := o.testgen.GenerateTests(ctx, agents.TestGenRequest{
				RepoID:        req.RepoID,
				GeneratedCode: generatedFiles(gen.Diffs),
			})
			testResult = &tr
		}()
	}
	wg.Wait()

	result.Evaluation = &evaluation
	result.EvaluationAction = evaluation.Controller.Decision
	if evaluation.Controller.Decision == agents.DecisionMergeFeedback &&
		len(evaluation.Controller.ImprovedCodeByFile) > 0 {
		result.EvaluationImprovedCode = evaluation.Controller.ImprovedCodeByFile
	}

	if wantsTest {
		applySpeculativeTest(result, evaluation.Controller.Decision, testResult)
	}
}

// applySpeculativeTest accepts or discards the speculative test run based on
// the evaluation verdict. A revision request invalidates the tests because
// they were written against code that will change.
func applySpeculativeTest(result *Result, decision string, testResult *agents.TestGenResult) {
	if decision == agents.DecisionRequestRevision {
		result.Test = &TestSection{
			Skipped: true,
			Reason:  "Evaluation requested a revision; speculative tests discarded",
		}
		result.AgentsUsed = removeAction(result.AgentsUsed, routing.ActionTest)
		result.AgentsSkipped = appendUnique(result.AgentsSkipped, routing.ActionTest)
		return
	}

	section := TestSection{Result: testResult}
	if testResult != nil && !testResult.Success {
		section.Error = testResult.Error
	}
	result.Test = &section
}

// runStandaloneTest handles TEST routing with no generation involved. No
// evaluator runs in this path.
func (o *Orchestrator) runStandaloneTest(ctx context.Context, req SmartRequest) TestSection {
	tr := o.testgen.GenerateTests(ctx, agents.TestGenRequest{
		RepoID:        req.RepoID,
		CustomRequest: req.Question,
	})
	section := TestSection{Result: &tr}
	if !tr.Success {
		section.Error = tr.Error
	}
	return section
}

// promoteTopLevel surfaces the most useful agent output as the result's
// answer, citations, and confidence.
func (o *Orchestrator) promoteTopLevel(result *Result) {
	if result.Explain != nil && result.Explain.Answer != "" {
		result.Answer = result.Explain.Answer
		result.Citations = result.Explain.Citations
		result.Confidence = result.Explain.Confidence
		return
	}
	if result.Generate != nil && result.Generate.Plan != "" {
		result.Answer = result.Generate.Plan
		result.Confidence = "high"
		return
	}
	result.Answer = "Request processed."
	result.Confidence = "low"
}

func (o *Orchestrator) storeResponse(ctx context.Context, key string, result Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = o.responses.Set(ctx, key, raw, o.responseTTL)
}

func responseKey(repoID, question, commit string) string {
	return "resp:" + repoID + ":" + cache.ResponseKey(repoID, normalizeQuestion(question), commit)
}

func normalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func generatedFiles(diffs []agents.FileDiff) []agents.GeneratedFile {
	files := make([]agents.GeneratedFile, 0, len(diffs))
	for _, d := range diffs {
		content := d.Code
		if content == "" {
			content = d.Diff
		}
		files = append(files, agents.GeneratedFile{FilePath: d.FilePath, Content: content})
	}
	return files
}

func removeAction(actions []string, target string) []string {
	out := actions[:0]
	for _, a := range actions {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}

func appendUnique(actions []string, target string) []string {
	for _, a := range actions {
		if a == target {
			return actions
		}
	}
	return append(actions, target)
}
