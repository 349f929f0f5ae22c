// Package config provides unified configuration loading for RepoPilot.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for RepoPilot.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Index         IndexConfig         `yaml:"index"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// StorageConfig holds repository storage settings.
type StorageConfig struct {
	DataDir             string `yaml:"data_dir"`
	MaxRepoSizeMB       int64  `yaml:"max_repo_size_mb"`
	MaxFiles            int    `yaml:"max_files"`
	CloneTimeoutSeconds int    `yaml:"clone_timeout_seconds"`
	UsePersistentIndex  bool   `yaml:"use_persistent_index"`
}

// IndexConfig holds bounded-ingest settings for the indexer.
type IndexConfig struct {
	BatchSize           int `yaml:"batch_size"`
	FileReadConcurrency int `yaml:"file_read_concurrency"`
	MaxFiles            int `yaml:"max_files"`
	MaxFileSizeKB       int `yaml:"max_file_size_kb"`
	MaxTotalMB          int `yaml:"max_total_mb"`
	MaxChunks           int `yaml:"max_chunks"`
	TimeBudgetSeconds   int `yaml:"time_budget_seconds"`
}

// ChunkingConfig holds chunker window settings.
type ChunkingConfig struct {
	CodeChunkLines   int `yaml:"code_chunk_lines"`
	CodeChunkOverlap int `yaml:"code_chunk_overlap"`
	DocChunkTokens   int `yaml:"doc_chunk_tokens"`
	DocChunkOverlap  int `yaml:"doc_chunk_overlap"`
}

// RetrievalConfig holds retrieval settings.
type RetrievalConfig struct {
	DefaultK int `yaml:"default_k"`
}

// ProvidersConfig holds LLM and embedding provider settings.
type ProvidersConfig struct {
	MockMode bool `yaml:"mock_mode"`

	Ollama OllamaConfig `yaml:"ollama"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
}

// OllamaConfig holds local model server settings.
type OllamaConfig struct {
	BaseURL     string `yaml:"base_url"`
	ModelA      string `yaml:"model_a"`
	ModelB      string `yaml:"model_b"`
	ModelRouter string `yaml:"model_router"`
}

// OpenAIConfig holds OpenAI-compatible API settings.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// GeminiConfig holds the remote free-tier provider settings.
type GeminiConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver           string        `yaml:"driver"` // memory or redis
	ResponseTTL      time.Duration `yaml:"response_ttl"`
	ResponseCapacity int           `yaml:"response_capacity"`
	RoutingTTL       time.Duration `yaml:"routing_ttl"`
	RoutingCapacity  int           `yaml:"routing_capacity"`
	Redis            RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:             "./data",
			MaxRepoSizeMB:       512,
			MaxFiles:            10000,
			CloneTimeoutSeconds: 900,
			UsePersistentIndex:  false,
		},
		Index: IndexConfig{
			BatchSize:           250,
			FileReadConcurrency: 32,
			MaxFiles:            900,
			MaxFileSizeKB:       256,
			MaxTotalMB:          20,
			MaxChunks:           2500,
			TimeBudgetSeconds:   55,
		},
		Chunking: ChunkingConfig{
			CodeChunkLines:   150,
			CodeChunkOverlap: 20,
			DocChunkTokens:   500,
			DocChunkOverlap:  50,
		},
		Retrieval: RetrievalConfig{
			DefaultK: 5,
		},
		Providers: ProvidersConfig{
			MockMode: false,
			Ollama: OllamaConfig{
				BaseURL:     "http://localhost:11434",
				ModelA:      "llama3.2:1b",
				ModelB:      "llama3.2:3b",
				ModelRouter: "qwen2.5:0.5b",
			},
			OpenAI: OpenAIConfig{
				BaseURL:        "https://api.openai.com/v1",
				ChatModel:      "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
			},
			Gemini: GeminiConfig{
				BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
				ChatModel:      "gemini-2.0-flash",
				EmbeddingModel: "text-embedding-004",
			},
		},
		Cache: CacheConfig{
			Driver:           "memory",
			ResponseTTL:      10 * time.Minute,
			ResponseCapacity: 200,
			RoutingTTL:       30 * time.Minute,
			RoutingCapacity:  500,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Storage.MaxRepoSizeMB < 1 {
		return fmt.Errorf("max_repo_size_mb must be positive")
	}

	if c.Index.BatchSize < 1 {
		return fmt.Errorf("index batch_size must be positive")
	}

	if c.Index.TimeBudgetSeconds < 1 {
		return fmt.Errorf("index time_budget_seconds must be positive")
	}

	if c.Chunking.CodeChunkLines <= c.Chunking.CodeChunkOverlap {
		return fmt.Errorf("code_chunk_lines must exceed code_chunk_overlap")
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Retrieval.DefaultK < 1 || c.Retrieval.DefaultK > 20 {
		return fmt.Errorf("default_k must be between 1 and 20")
	}

	return nil
}

// MaxRepoSizeBytes returns the repository size cap in bytes.
func (c *Config) MaxRepoSizeBytes() int64 {
	return c.Storage.MaxRepoSizeMB * 1024 * 1024
}

// MaxIndexFileSizeBytes returns the per-file indexing cap in bytes.
func (c *Config) MaxIndexFileSizeBytes() int64 {
	return int64(c.Index.MaxFileSizeKB) * 1024
}

// MaxIndexTotalBytes returns the total indexing byte cap.
func (c *Config) MaxIndexTotalBytes() int64 {
	return int64(c.Index.MaxTotalMB) * 1024 * 1024
}

// CloneTimeout returns the clone deadline as a duration.
func (c *Config) CloneTimeout() time.Duration {
	return time.Duration(c.Storage.CloneTimeoutSeconds) * time.Second
}

// IndexTimeBudget returns the indexing wall-clock budget as a duration.
func (c *Config) IndexTimeBudget() time.Duration {
	return time.Duration(c.Index.TimeBudgetSeconds) * time.Second
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := envInt("PORT"); v != nil {
		cfg.Server.Port = *v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := envInt("MAX_REPO_SIZE_MB"); v != nil {
		cfg.Storage.MaxRepoSizeMB = int64(*v)
	}

	if v := envInt("MAX_FILES"); v != nil {
		cfg.Storage.MaxFiles = *v
	}

	if v := envInt("CLONE_TIMEOUT_SECONDS"); v != nil {
		cfg.Storage.CloneTimeoutSeconds = *v
	}

	if v := envBool("USE_PERSISTENT_INDEX"); v != nil {
		cfg.Storage.UsePersistentIndex = *v
	}

	if v := envInt("INDEX_BATCH_SIZE"); v != nil {
		cfg.Index.BatchSize = *v
	}

	if v := envInt("FILE_READ_CONCURRENCY"); v != nil {
		cfg.Index.FileReadConcurrency = *v
	}

	if v := envInt("INDEX_MAX_FILES"); v != nil {
		cfg.Index.MaxFiles = *v
	}

	if v := envInt("INDEX_MAX_FILE_SIZE_KB"); v != nil {
		cfg.Index.MaxFileSizeKB = *v
	}

	if v := envInt("INDEX_MAX_TOTAL_MB"); v != nil {
		cfg.Index.MaxTotalMB = *v
	}

	if v := envInt("INDEX_MAX_CHUNKS"); v != nil {
		cfg.Index.MaxChunks = *v
	}

	if v := envInt("INDEX_TIME_BUDGET_SECONDS"); v != nil {
		cfg.Index.TimeBudgetSeconds = *v
	}

	if v := envBool("MOCK_MODE"); v != nil {
		cfg.Providers.MockMode = *v
	}

	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Providers.Ollama.BaseURL = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}

	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAI.BaseURL = v
	}

	if v := os.Getenv("OPENAI_CHAT_MODEL"); v != "" {
		cfg.Providers.OpenAI.ChatModel = v
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Providers.Gemini.APIKey = v
	}

	if v := os.Getenv("GEMINI_BASE_URL"); v != "" {
		cfg.Providers.Gemini.BaseURL = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

func envInt(name string) *int {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envBool(name string) *bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return nil
	}
	b := v == "true" || v == "1" || v == "yes"
	return &b
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
