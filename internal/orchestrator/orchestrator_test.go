package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/agents"
	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/embedding"
	"github.com/repopilot-ai/repopilot/internal/index"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/planner"
	"github.com/repopilot-ai/repopilot/internal/repo"
	"github.com/repopilot-ai/repopilot/internal/retrieval"
	"github.com/repopilot-ai/repopilot/internal/routing"
	"github.com/repopilot-ai/repopilot/internal/vectorstore"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *repo.Manager, *index.Indexer) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()

	logger := observability.NopLogger()

	repos, err := repo.NewManager(cfg, logger)
	require.NoError(t, err)

	store, err := vectorstore.Open(t.TempDir())
	require.NoError(t, err)

	embedder := embedding.NewServiceWith(embedding.NewMockEmbedder(64), logger)
	indexer := index.New(repos, embedder, store, cfg, logger)
	retriever := retrieval.New(indexer, embedder, logger)

	chat := llm.NewServiceWithMock(logger)
	o := New(
		repos,
		routing.NewRouter(chat, logger),
		planner.New(chat, logger),
		retriever,
		agents.NewAnswerer(chat, logger),
		agents.NewGenerator(chat, retriever, logger),
		agents.NewTestGenerator(chat, retriever, logger),
		agents.NewEvaluator(chat, logger),
		chat,
		cfg,
		logger,
	)
	return o, repos, indexer
}

func loadAndIndex(t *testing.T, repos *repo.Manager, indexer *index.Indexer) *repo.Record {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"auth/login.py": "def login(user):\n    return session(user)\n",
		"README.md":     "# Demo\n\nA small fixture project.\n",
	}
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	rec, err := repos.Load(context.Background(), root, "")
	require.NoError(t, err)

	_, err = indexer.IndexRepo(context.Background(), rec.RepoID, false)
	require.NoError(t, err)
	return rec
}

func TestSmartRefusal(t *testing.T) {
	o, repos, indexer := newTestOrchestrator(t)
	rec := loadAndIndex(t, repos, indexer)

	got := o.Smart(context.Background(), SmartRequest{
		RepoID:   rec.RepoID,
		Question: "delete prod database rm -rf /",
	})

	assert.Equal(t, routing.ActionRefuse, got.Routing.PrimaryAction)
	assert.Equal(t, 0.99, got.Routing.Confidence)
	assert.Equal(t, refusalAnswer, got.Answer)
	assert.Equal(t, "low", got.Confidence)
	assert.Nil(t, got.Explain)
	assert.Nil(t, got.Generate)
}

func TestSmartExplainFlow(t *testing.T) {
	o, repos, indexer := newTestOrchestrator(t)
	rec := loadAndIndex(t, repos, indexer)

	got := o.Smart(context.Background(), SmartRequest{
		RepoID:   rec.RepoID,
		Question: "where is the login handler?",
	})

	assert.False(t, got.FromCache)
	assert.Equal(t, routing.ActionExplain, got.Routing.PrimaryAction)
	assert.Contains(t, got.AgentsUsed, routing.ActionExplain)
	require.NotNil(t, got.Explain)
	assert.NotEmpty(t, got.Answer)
	assert.Equal(t, got.Explain.Answer, got.Answer)
	assert.Equal(t, rec.RepoID, got.CacheRepoID)
}

func TestSmartCacheHitAndInvalidate(t *testing.T) {
	o, repos, indexer := newTestOrchestrator(t)
	rec := loadAndIndex(t, repos, indexer)
	ctx := context.Background()
	req := SmartRequest{RepoID: rec.RepoID, Question: "where is the login handler?"}

	first := o.Smart(ctx, req)
	assert.False(t, first.FromCache)

	second := o.Smart(ctx, req)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Routing, second.Routing)

	o.InvalidateRepo(ctx, rec.RepoID)
	third := o.Smart(ctx, req)
	assert.False(t, third.FromCache)
}

func TestSmartCacheMissOnNewCommit(t *testing.T) {
	o, repos, indexer := newTestOrchestrator(t)
	rec := loadAndIndex(t, repos, indexer)
	ctx := context.Background()
	req := SmartRequest{RepoID: rec.RepoID, Question: "where is the login handler?"}

	first := o.Smart(ctx, req)
	assert.False(t, first.FromCache)

	repos.Update(rec.RepoID, false, func(r *repo.Record) {
		r.CommitHash = "a_different_commit_hash"
	})

	second := o.Smart(ctx, req)
	assert.False(t, second.FromCache)
}

func TestSmartStandaloneTest(t *testing.T) {
	o, repos, indexer := newTestOrchestrator(t)
	rec := loadAndIndex(t, repos, indexer)

	decision := routing.Decision{PrimaryAction: routing.ActionTest, Confidence: 0.9}
	result := Result{
		Routing:    decision,
		AgentsUsed: decision.AgentsUsed(),
	}
	o.runPhases(context.Background(), SmartRequest{RepoID: rec.RepoID, Question: "write tests for login"}, decision, &result)

	require.NotNil(t, result.Test)
	assert.False(t, result.Test.Skipped)
	require.NotNil(t, result.Test.Result)
	// TEST without GENERATE never invokes the evaluator.
	assert.Nil(t, result.Evaluation)
	assert.Nil(t, result.Generate)
}

func TestApplySpeculativeTestDiscardsOnRevision(t *testing.T) {
	result := Result{
		AgentsUsed: []string{routing.ActionGenerate, routing.ActionTest},
	}
	tr := &agents.TestGenResult{Success: true, Tests: "def test_x():\n    assert True\n"}

	applySpeculativeTest(&result, agents.DecisionRequestRevision, tr)

	require.NotNil(t, result.Test)
	assert.True(t, result.Test.Skipped)
	assert.NotEmpty(t, result.Test.Reason)
	assert.Nil(t, result.Test.Result)
	assert.NotContains(t, result.AgentsUsed, routing.ActionTest)
	assert.Contains(t, result.AgentsSkipped, routing.ActionTest)
}

func TestApplySpeculativeTestKeepsOnAccept(t *testing.T) {
	result := Result{
		AgentsUsed: []string{routing.ActionGenerate, routing.ActionTest},
	}
	tr := &agents.TestGenResult{Success: true, Tests: "def test_x():\n    assert True\n"}

	applySpeculativeTest(&result, agents.DecisionAcceptOriginal, tr)

	require.NotNil(t, result.Test)
	assert.False(t, result.Test.Skipped)
	assert.Equal(t, tr, result.Test.Result)
	assert.Contains(t, result.AgentsUsed, routing.ActionTest)
}

func TestPromoteTopLevel(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	explained := Result{Explain: &ExplainSection{
		Answer:     "## Short Answer\nHere.",
		Confidence: "medium",
		Citations:  []agents.Citation{{FilePath: "a.py"}},
	}}
	o.promoteTopLevel(&explained)
	assert.Equal(t, "## Short Answer\nHere.", explained.Answer)
	assert.Equal(t, "medium", explained.Confidence)
	assert.Len(t, explained.Citations, 1)

	generated := Result{Generate: &agents.GenerationResult{Plan: "Add a helper."}}
	o.promoteTopLevel(&generated)
	assert.Equal(t, "Add a helper.", generated.Answer)
	assert.Equal(t, "high", generated.Confidence)

	var empty Result
	o.promoteTopLevel(&empty)
	assert.Equal(t, "Request processed.", empty.Answer)
	assert.Equal(t, "low", empty.Confidence)
}

func TestResponseKeyChangesWithCommit(t *testing.T) {
	a := responseKey("r1", "question", "commit_a")
	b := responseKey("r1", "question", "commit_b")
	assert.NotEqual(t, a, b)

	// Normalization makes whitespace and case irrelevant.
	assert.Equal(t,
		responseKey("r1", "  Question ", "c"),
		responseKey("r1", "question", "c"))
}
