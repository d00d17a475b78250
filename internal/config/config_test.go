package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
embedding:
  provider: mock
  dimensions: 8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	if cfg.Embedding.Dimensions != 8 {
		t.Errorf("dimensions = %d, want 8", cfg.Embedding.Dimensions)
	}
}

func TestLoad_defaults(t *testing.T) {
	path := writeConfig(t, "debug: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
	if cfg.Chunking.Unit != "tokens" || cfg.Chunking.ChunkSize != 400 || cfg.Chunking.ChunkOverlap != 50 {
		t.Errorf("unexpected chunking defaults: %+v", cfg.Chunking)
	}
	if cfg.Embedding.Model != "text-embedding-3-large" || cfg.Embedding.Dimensions != 3072 {
		t.Errorf("unexpected embedding defaults: %+v", cfg.Embedding)
	}
	if cfg.Retrieval.Mode != "exact" {
		t.Errorf("retrieval mode should default to exact, got %q", cfg.Retrieval.Mode)
	}
	if cfg.Retrieval.DefaultTopK != 5 || cfg.Retrieval.MaxTopK != 20 {
		t.Errorf("unexpected top_k defaults: %+v", cfg.Retrieval)
	}
	if cfg.Chat.NoDocumentsAnswer == "" || cfg.Chat.SystemPrompt == "" {
		t.Error("chat prompts should have defaults")
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Indexing.LockBackend != "memory" {
		t.Errorf("unexpected backend defaults: storage=%q lock=%q", cfg.Storage.Driver, cfg.Indexing.LockBackend)
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./data/chunks.db"
inbox:
  directory: "./inbox"
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "chunks.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %q, want %q", cfg.Storage.DatabasePath, wantDB)
	}
	wantInbox := filepath.Join(dir, "inbox")
	if cfg.Inbox.Directory != wantInbox {
		t.Errorf("inbox.directory = %q, want %q", cfg.Inbox.Directory, wantInbox)
	}
}

func TestLoad_dotEnvSuppliesAPIKey(t *testing.T) {
	path := writeConfig(t, `
embedding:
  api_key_env: MEDRAG_TEST_EMBED_KEY
`)
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envPath, []byte("MEDRAG_TEST_EMBED_KEY=sk-from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MEDRAG_TEST_EMBED_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Embedding.APIKey(); got != "sk-from-dotenv" {
		t.Errorf("APIKey() = %q, want value from .env", got)
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"overlap not below size", "chunking:\n  chunk_size: 10\n  chunk_overlap: 10\n", "overlap"},
		{"unknown retrieval mode", "retrieval:\n  mode: fuzzy\n", "retrieval.mode"},
		{"unknown unit", "chunking:\n  unit: sentences\n", "chunking.unit"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"default top_k above max", "retrieval:\n  default_top_k: 30\n  max_top_k: 20\n", "default_top_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MEDRAG_POSTGRES_DSN", "")
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
