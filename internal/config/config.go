// Package config provides configuration loading and structs for the medrag server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Chat      ChatConfig      `yaml:"chat"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Inbox     InboxConfig     `yaml:"inbox"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects and configures the chunk store backend.
type StorageConfig struct {
	Driver       string         `yaml:"driver"` // sqlite or postgres
	DatabasePath string         `yaml:"database_path"`
	Postgres     PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds pgvector store settings. The DSN may also come from MEDRAG_POSTGRES_DSN.
type PostgresConfig struct {
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"max_conns"`
	IVFFlatLists  int    `yaml:"ivfflat_lists"`  // 0 disables the ivfflat index
	IVFFlatProbes int    `yaml:"ivfflat_probes"` // only used in approximate mode
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"` // openai, onnx or mock
	Model             string  `yaml:"model"`
	Dimensions        int     `yaml:"dimensions"`
	BatchSize         int     `yaml:"batch_size"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
	CacheSize         int     `yaml:"cache_size"`
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	// ONNX only.
	ModelPath string `yaml:"model_path"`
	MaxTokens int    `yaml:"max_tokens"`
}

// APIKey returns the provider key from the configured environment variable.
func (e *EmbeddingConfig) APIKey() string { return os.Getenv(e.APIKeyEnv) }

// Timeout returns the per-request timeout.
func (e *EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// ChunkingConfig holds chunk window settings.
type ChunkingConfig struct {
	Unit         string `yaml:"unit"` // tokens or chars
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	// MinChunkSize bounds re-chunking after an input-too-long embedding failure.
	MinChunkSize int `yaml:"min_chunk_size"`
}

// RetrievalConfig holds nearest-neighbour search settings.
type RetrievalConfig struct {
	Mode            string `yaml:"mode"` // exact or approximate
	DefaultTopK     int    `yaml:"default_top_k"`
	MaxTopK         int    `yaml:"max_top_k"`
	IVFLists        int    `yaml:"ivf_lists"`
	IVFProbes       int    `yaml:"ivf_probes"`
	IVFMinPartition int    `yaml:"ivf_min_partition"`
	CandidateFactor int    `yaml:"candidate_factor"`
}

// ChatConfig holds answer-generation settings.
type ChatConfig struct {
	Provider          string  `yaml:"provider"` // openai or mock
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	MaxContextTokens  int     `yaml:"max_context_tokens"`
	TopK              int     `yaml:"top_k"`
	Temperature       float64 `yaml:"temperature"`
	MaxRetries        int     `yaml:"max_retries"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	SystemPrompt      string  `yaml:"system_prompt"`
	NoDocumentsAnswer string  `yaml:"no_documents_answer"`
}

// APIKey returns the provider key from the configured environment variable.
func (c *ChatConfig) APIKey() string { return os.Getenv(c.APIKeyEnv) }

// Timeout returns the per-request timeout.
func (c *ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IndexingConfig holds ingestion pipeline settings.
type IndexingConfig struct {
	Workers        int    `yaml:"workers"`
	LockBackend    string `yaml:"lock_backend"` // memory or redis
	RedisAddr      string `yaml:"redis_addr"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the lease duration for distributed document locks.
func (i *IndexingConfig) LockTTL() time.Duration {
	return time.Duration(i.LockTTLSeconds) * time.Second
}

// InboxConfig configures the directory watched for ingestion payloads.
type InboxConfig struct {
	Directory string `yaml:"directory"`
}

// Load reads and parses the config file at path, loads a .env file next to it
// when present, expands paths, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	if err := loadDotEnv(configDir); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)
	if dsn := os.Getenv("MEDRAG_POSTGRES_DSN"); dsn != "" && cfg.Storage.Postgres.DSN == "" {
		cfg.Storage.Postgres.DSN = dsn
	}

	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Inbox.Directory != "" {
		cfg.Inbox.Directory = expandPath(cfg.Inbox.Directory, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads configDir/.env without overriding variables already set.
func loadDotEnv(configDir string) error {
	envPath := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envPath); err != nil {
		return nil
	}
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("failed to load %s: %w", envPath, err)
	}
	return nil
}

// Validate checks enum values and numeric relationships after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == "postgres" && c.Storage.Postgres.DSN == "" {
		errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
	}
	switch c.Embedding.Provider {
	case "openai", "onnx", "mock":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, errors.New("embedding.dimensions must be positive"))
	}
	switch c.Chunking.Unit {
	case "tokens", "chars":
	default:
		errs = append(errs, fmt.Errorf("chunking.unit: unknown unit %q", c.Chunking.Unit))
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		errs = append(errs, fmt.Errorf("chunking: overlap %d must be in [0, chunk_size %d)",
			c.Chunking.ChunkOverlap, c.Chunking.ChunkSize))
	}
	switch c.Retrieval.Mode {
	case "exact", "approximate":
	default:
		errs = append(errs, fmt.Errorf("retrieval.mode: unknown mode %q", c.Retrieval.Mode))
	}
	if c.Retrieval.DefaultTopK > c.Retrieval.MaxTopK {
		errs = append(errs, fmt.Errorf("retrieval.default_top_k %d exceeds max_top_k %d",
			c.Retrieval.DefaultTopK, c.Retrieval.MaxTopK))
	}
	switch c.Chat.Provider {
	case "openai", "mock":
	default:
		errs = append(errs, fmt.Errorf("chat.provider: unknown provider %q", c.Chat.Provider))
	}
	switch c.Indexing.LockBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("indexing.lock_backend: unknown backend %q", c.Indexing.LockBackend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
