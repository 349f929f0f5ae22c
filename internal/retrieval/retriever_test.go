package retrieval

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/embedding"
	"github.com/repopilot-ai/repopilot/internal/index"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/repo"
	"github.com/repopilot-ai/repopilot/internal/vectorstore"
)

func testRetriever(t *testing.T, files map[string]string) (*Retriever, string) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()

	logger := observability.NopLogger()

	repos, err := repo.NewManager(cfg, logger)
	require.NoError(t, err)

	store, err := vectorstore.Open(t.TempDir())
	require.NoError(t, err)

	embedder := embedding.NewServiceWith(embedding.NewMockEmbedder(64), logger)
	ix := index.New(repos, embedder, store, cfg, logger)

	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	rec, err := repos.Load(context.Background(), root, "")
	require.NoError(t, err)

	_, err = ix.IndexRepo(context.Background(), rec.RepoID, false)
	require.NoError(t, err)

	return New(ix, embedder, logger), rec.RepoID
}

func TestRetrieveRanksLexicalMatches(t *testing.T) {
	r, repoID := testRetriever(t, map[string]string{
		"auth/login.py":   "def authenticate_user(username, password):\n    return check_password(username, password)\n",
		"billing/pay.py":  "def charge_card(amount):\n    return gateway.charge(amount)\n",
		"docs/INSTALL.md": "# Install\n\nRun pip install.\n",
	})

	chunks, err := r.Retrieve(context.Background(), repoID, "how does authenticate_user check the password", 2)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assert.Equal(t, "auth/login.py", chunks[0].FilePath)
	assert.GreaterOrEqual(t, chunks[0].StartLine, 1)
	assert.GreaterOrEqual(t, chunks[0].EndLine, chunks[0].StartLine)
	assert.NotEmpty(t, chunks[0].Content)
}

func TestRetrieveUnindexedRepo(t *testing.T) {
	r, _ := testRetriever(t, map[string]string{"a.py": "x = 1\n"})

	chunks, err := r.Retrieve(context.Background(), "unknown-repo", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRetrieveZeroK(t *testing.T) {
	r, repoID := testRetriever(t, map[string]string{"a.py": "x = 1\n"})

	chunks, err := r.Retrieve(context.Background(), repoID, "x", 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRetrieveMultiDeduplicates(t *testing.T) {
	r, repoID := testRetriever(t, map[string]string{
		"core.py": "def process(data):\n    return transform(data)\n",
	})

	chunks, err := r.RetrieveMulti(context.Background(), repoID,
		[]string{"process data", "transform data"}, 3)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, ch := range chunks {
		assert.False(t, seen[ch.ChunkID], "duplicate chunk returned")
		seen[ch.ChunkID] = true
	}
}

func TestLexicalScore(t *testing.T) {
	q := tokenize("parse json config")

	full := lexicalScore(q, "func parse(data) { json config }", "x.go")
	assert.InDelta(t, 1.0, full, 1e-9)

	partial := lexicalScore(q, "json only here", "x.go")
	assert.InDelta(t, 1.0/3.0, partial, 1e-9)

	pathHit := lexicalScore(q, "nothing relevant", "config/parse.go")
	assert.InDelta(t, 2.0/3.0, pathHit, 1e-9)

	assert.Zero(t, lexicalScore(map[string]bool{}, "x", "y"))
}

func TestSemanticScore(t *testing.T) {
	assert.InDelta(t, 1.0, semanticScore(0), 1e-9)
	assert.InDelta(t, 0.5, semanticScore(1), 1e-9)
	assert.Zero(t, semanticScore(math.NaN()))
	assert.Zero(t, semanticScore(math.Inf(1)))
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("How does Foo_bar handle X? a")

	assert.True(t, tokens["how"])
	assert.True(t, tokens["foo_bar"])
	assert.True(t, tokens["handle"])
	// Single-character tokens are dropped.
	assert.False(t, tokens["x"])
	assert.False(t, tokens["a"])
}
