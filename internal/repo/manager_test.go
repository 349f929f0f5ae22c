package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

func testManager(t *testing.T) (*Manager, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()

	m, err := NewManager(cfg, observability.NopLogger())
	require.NoError(t, err)
	return m, cfg
}

func writeRepoTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"https", "https://github.com/octocat/Hello-World", "octocat", "Hello-World", false},
		{"https with .git", "https://github.com/octocat/Hello-World.git", "octocat", "Hello-World", false},
		{"ssh", "git@github.com:octocat/Hello-World.git", "octocat", "Hello-World", false},
		{"dotted name", "https://github.com/golang/go.dev", "golang", "go.dev", false},
		{"not a repo url", "https://example.com/octocat/x", "", "", true},
		{"garbage", "not a url at all", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, name, err := ParseRepoURL(tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrClone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, name)
		})
	}
}

func TestGenerateRepoID(t *testing.T) {
	id := GenerateRepoID("Hello-World", "7fd1a60b01f91b314f59955a4e4d4e80d8edf11d")

	assert.Len(t, id, 12)
	// Only the first 8 commit chars participate.
	assert.Equal(t, id, GenerateRepoID("Hello-World", "7fd1a60bffffffff"))
	assert.NotEqual(t, id, GenerateRepoID("Hello-World", "deadbeef"))
	assert.NotEqual(t, id, GenerateRepoID("Other", "7fd1a60b"))
}

func TestClassifyFileName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"main.py", ".py"},
		{"server.go", ".go"},
		{"README.md", ".md"},
		{"Dockerfile", ".dockerfile"},
		{"Makefile", ".makefile"},
		{".gitignore", ".gitignore"},
		{".env.example", ".env.example"},
		{"package-lock.json", ""},
		{"yarn.lock", ""},
		{".DS_Store", ""},
		{"binary.exe", ""},
		{"photo.png", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFileName(tt.name))
		})
	}
}

func TestIsExcludedDir(t *testing.T) {
	assert.True(t, isExcludedDir("node_modules"))
	assert.True(t, isExcludedDir(".git"))
	assert.True(t, isExcludedDir("NODE_MODULES"))
	assert.True(t, isExcludedDir("mypkg.egg-info"))
	assert.False(t, isExcludedDir("src"))
	assert.False(t, isExcludedDir("internal"))
}

func TestLoadLocalRepo(t *testing.T) {
	m, _ := testManager(t)

	root := writeRepoTree(t, map[string]string{
		"main.py":              "print('hi')\n",
		"README.md":            "# Demo\n",
		"node_modules/dep.js":  "ignored",
		"package-lock.json":    "ignored",
		"src/util.py":          "def util():\n    pass\n",
	})

	rec, err := m.Load(context.Background(), root, "")
	require.NoError(t, err)

	assert.Len(t, rec.RepoID, 12)
	assert.Equal(t, filepath.Base(root), rec.RepoName)
	assert.Equal(t, 3, rec.Stats.TotalFiles)
	assert.Equal(t, 2, rec.Stats.Languages["py"])
	assert.Equal(t, 1, rec.Stats.Languages["md"])
	assert.False(t, rec.Indexed)

	got, ok := m.Get(rec.RepoID)
	require.True(t, ok)
	assert.Equal(t, rec.RepoID, got.RepoID)
}

func TestListFilesAndReadFile(t *testing.T) {
	m, _ := testManager(t)

	root := writeRepoTree(t, map[string]string{
		"app.py":    "import os\n",
		"notes.txt": "hello notes",
	})

	rec, err := m.Load(context.Background(), root, "")
	require.NoError(t, err)

	files, err := m.ListFiles(rec.RepoID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	byPath := map[string]FileInfo{}
	for _, f := range files {
		byPath[f.FilePath] = f
	}
	assert.Equal(t, "py", byPath["app.py"].Language)
	assert.Equal(t, byPath["app.py"].Size/4, byPath["app.py"].EstimatedTokens)

	content, err := m.ReadFile(rec.RepoID, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello notes", content)

	_, err = m.ReadFile(rec.RepoID, "missing.txt")
	assert.Error(t, err)

	_, err = m.ListFiles("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePersistsRegistry(t *testing.T) {
	m, cfg := testManager(t)

	root := writeRepoTree(t, map[string]string{"a.py": "x = 1\n"})
	rec, err := m.Load(context.Background(), root, "")
	require.NoError(t, err)

	m.Update(rec.RepoID, true, func(r *Record) {
		r.Indexed = true
		r.ChunkCount = 7
	})

	got, ok := m.Get(rec.RepoID)
	require.True(t, ok)
	assert.True(t, got.Indexed)
	assert.Equal(t, 7, got.ChunkCount)

	// Non-persistent store resets indexing state on rehydrate.
	m2, err := NewManager(cfg, observability.NopLogger())
	require.NoError(t, err)

	got2, ok := m2.Get(rec.RepoID)
	require.True(t, ok)
	assert.False(t, got2.Indexed)
	assert.Equal(t, 0, got2.ChunkCount)
}

func TestRegistryKeepsIndexedWhenPersistent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.UsePersistentIndex = true

	m, err := NewManager(cfg, observability.NopLogger())
	require.NoError(t, err)

	root := writeRepoTree(t, map[string]string{"a.py": "x = 1\n"})
	rec, err := m.Load(context.Background(), root, "")
	require.NoError(t, err)

	m.Update(rec.RepoID, true, func(r *Record) {
		r.Indexed = true
		r.ChunkCount = 3
	})

	m2, err := NewManager(cfg, observability.NopLogger())
	require.NoError(t, err)

	got, ok := m2.Get(rec.RepoID)
	require.True(t, ok)
	assert.True(t, got.Indexed)
	assert.Equal(t, 3, got.ChunkCount)
}

func TestRegistryDropsDeadPaths(t *testing.T) {
	m, cfg := testManager(t)

	root := writeRepoTree(t, map[string]string{"a.py": "x = 1\n"})
	rec, err := m.Load(context.Background(), root, "")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(root))

	m2, err := NewManager(cfg, observability.NopLogger())
	require.NoError(t, err)

	_, ok := m2.Get(rec.RepoID)
	assert.False(t, ok)
	_ = m
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "plain", sanitizeUTF8([]byte("plain")))

	broken := []byte{'a', 0xff, 'b'}
	got := sanitizeUTF8(broken)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "b")
	assert.Contains(t, got, "�")
}
