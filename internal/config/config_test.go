package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, int64(512), cfg.Storage.MaxRepoSizeMB)
	assert.Equal(t, 900, cfg.Storage.CloneTimeoutSeconds)
	assert.False(t, cfg.Storage.UsePersistentIndex)
	assert.Equal(t, 250, cfg.Index.BatchSize)
	assert.Equal(t, 2500, cfg.Index.MaxChunks)
	assert.Equal(t, 150, cfg.Chunking.CodeChunkLines)
	assert.Equal(t, 20, cfg.Chunking.CodeChunkOverlap)

	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9001
storage:
  data_dir: /var/lib/repopilot
  max_repo_size_mb: 128
index:
  max_chunks: 100
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "/var/lib/repopilot", cfg.Storage.DataDir)
	assert.Equal(t, int64(128), cfg.Storage.MaxRepoSizeMB)
	assert.Equal(t, 100, cfg.Index.MaxChunks)
	// Untouched fields keep defaults.
	assert.Equal(t, 250, cfg.Index.BatchSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8123")
	t.Setenv("DATA_DIR", "/tmp/rp-data")
	t.Setenv("INDEX_TIME_BUDGET_SECONDS", "30")
	t.Setenv("USE_PERSISTENT_INDEX", "true")
	t.Setenv("REDIS_URL", "redis://cachehost:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "/tmp/rp-data", cfg.Storage.DataDir)
	assert.Equal(t, 30, cfg.Index.TimeBudgetSeconds)
	assert.True(t, cfg.Storage.UsePersistentIndex)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "cachehost:6379", cfg.Cache.Redis.Addr)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero repo size", func(c *Config) { c.Storage.MaxRepoSizeMB = 0 }},
		{"overlap exceeds window", func(c *Config) {
			c.Chunking.CodeChunkLines = 10
			c.Chunking.CodeChunkOverlap = 10
		}},
		{"bad cache driver", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"bad default k", func(c *Config) { c.Retrieval.DefaultK = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedValues(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, int64(512*1024*1024), cfg.MaxRepoSizeBytes())
	assert.Equal(t, int64(256*1024), cfg.MaxIndexFileSizeBytes())
	assert.Equal(t, int64(20*1024*1024), cfg.MaxIndexTotalBytes())
}
