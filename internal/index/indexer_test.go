package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/embedding"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/repo"
	"github.com/repopilot-ai/repopilot/internal/vectorstore"
)

func testSetup(t *testing.T, persistent bool) (*Indexer, *repo.Manager, *config.Config) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.UsePersistentIndex = persistent

	logger := observability.NopLogger()

	repos, err := repo.NewManager(cfg, logger)
	require.NoError(t, err)

	var store *vectorstore.Store
	if persistent {
		store, err = vectorstore.Open(filepath.Join(cfg.Storage.DataDir, "_indexes"))
		require.NoError(t, err)
	} else {
		store, err = vectorstore.Open(t.TempDir())
		require.NoError(t, err)
	}

	embedder := embedding.NewServiceWith(embedding.NewMockEmbedder(64), logger)
	return New(repos, embedder, store, cfg, logger), repos, cfg
}

func loadFixture(t *testing.T, repos *repo.Manager, files map[string]string) *repo.Record {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	rec, err := repos.Load(context.Background(), root, "")
	require.NoError(t, err)
	return rec
}

func TestIndexRepoEndToEnd(t *testing.T) {
	ix, repos, _ := testSetup(t, true)

	rec := loadFixture(t, repos, map[string]string{
		"main.py":   "def main():\n    print('hello')\n",
		"util.py":   "def util(x):\n    return x + 1\n",
		"README.md": "# Project\n\nDocs here.\n",
	})

	result, err := ix.IndexRepo(context.Background(), rec.RepoID, false)
	require.NoError(t, err)

	assert.True(t, result.Indexed)
	assert.False(t, result.FromCache)
	assert.Greater(t, result.ChunkCount, 0)

	got, ok := repos.Get(rec.RepoID)
	require.True(t, ok)
	assert.True(t, got.Indexed)
	assert.False(t, got.IsIndexing)
	assert.Equal(t, result.ChunkCount, got.ChunkCount)
	assert.Equal(t, float64(100), got.IndexProgressPct)

	collection, ok := ix.Collection(rec.RepoID)
	require.True(t, ok)
	assert.Equal(t, result.ChunkCount, collection.Count())
}

func TestIndexRepoFromCache(t *testing.T) {
	ix, repos, _ := testSetup(t, true)

	rec := loadFixture(t, repos, map[string]string{"a.py": "x = 1\n"})

	first, err := ix.IndexRepo(context.Background(), rec.RepoID, false)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := ix.IndexRepo(context.Background(), rec.RepoID, false)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	// Force bypasses freshness.
	third, err := ix.IndexRepo(context.Background(), rec.RepoID, true)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
}

func TestIndexRepoUnknown(t *testing.T) {
	ix, _, _ := testSetup(t, false)

	_, err := ix.IndexRepo(context.Background(), "missing", false)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestIndexEmptyRepo(t *testing.T) {
	ix, repos, _ := testSetup(t, false)

	// Only an excluded file, so nothing qualifies for indexing.
	rec := loadFixture(t, repos, map[string]string{"image.png": "binary"})

	result, err := ix.IndexRepo(context.Background(), rec.RepoID, false)
	require.NoError(t, err)
	assert.True(t, result.Indexed)
	assert.Equal(t, 0, result.ChunkCount)
}

func TestSelectFilesPriority(t *testing.T) {
	ix, _, cfg := testSetup(t, false)

	files := []repo.FileInfo{
		{FilePath: "docs/guide.md", Size: 1000},
		{FilePath: "config.yaml", Size: 500},
		{FilePath: "src/deep/nested/helper.py", Size: 800},
		{FilePath: "main.py", Size: 900},
		{FilePath: "empty.py", Size: 0},
		{FilePath: "huge.py", Size: cfg.MaxIndexFileSizeBytes() + 1},
	}

	selected := ix.selectFiles(files)
	require.Len(t, selected, 4)

	// Code before config before docs; shallow code before deep code.
	assert.Equal(t, "main.py", selected[0].FilePath)
	assert.Equal(t, "src/deep/nested/helper.py", selected[1].FilePath)
	assert.Equal(t, "config.yaml", selected[2].FilePath)
	assert.Equal(t, "docs/guide.md", selected[3].FilePath)
}

func TestSelectFilesCaps(t *testing.T) {
	ix, _, cfg := testSetup(t, false)
	cfg.Index.MaxFiles = 3

	var files []repo.FileInfo
	for i := 0; i < 10; i++ {
		files = append(files, repo.FileInfo{FilePath: fmt.Sprintf("f%d.py", i), Size: 100})
	}

	assert.Len(t, ix.selectFiles(files), 3)
}

func TestSelectFilesAtLeastOne(t *testing.T) {
	ix, _, cfg := testSetup(t, false)
	cfg.Index.MaxTotalMB = 0 // byte cap excludes everything

	files := []repo.FileInfo{{FilePath: "only.py", Size: 100}}
	selected := ix.selectFiles(files)

	require.Len(t, selected, 1)
	assert.Equal(t, "only.py", selected[0].FilePath)
}

func TestMaxChunksCap(t *testing.T) {
	ix, repos, cfg := testSetup(t, false)
	cfg.Index.MaxChunks = 2

	big := strings.Repeat("line of code\n", 500)
	rec := loadFixture(t, repos, map[string]string{"big.py": big, "other.py": big})

	result, err := ix.IndexRepo(context.Background(), rec.RepoID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ChunkCount)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "repo_abc123", CollectionName("abc123"))
}
