package config

// Defaults follow the production deployment: token chunks of 400 with 50 overlap
// embedded by text-embedding-3-large at 3072 dimensions.
const (
	DefaultChunkSize         = 400
	DefaultChunkOverlap      = 50
	DefaultTopK              = 5
	DefaultMaxTopK           = 20
	DefaultEmbeddingModel    = "text-embedding-3-large"
	DefaultEmbeddingDims     = 3072
	DefaultChatModel         = "gpt-4o-mini"
	DefaultNoDocumentsAnswer = "No documents are available for this patient yet. Upload and process documents to ask questions about them."
	DefaultSystemPrompt      = "You are a medical assistant answering questions about one patient's records. " +
		"Answer only from the numbered passages provided. If the passages do not contain the answer, say so. " +
		"Cite passages by their number."
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/medrag/data/chunks.db"
	}
	if cfg.Storage.Postgres.MaxConns == 0 {
		cfg.Storage.Postgres.MaxConns = 10
	}
	if cfg.Storage.Postgres.IVFFlatProbes == 0 {
		cfg.Storage.Postgres.IVFFlatProbes = 10
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = DefaultEmbeddingModel
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = DefaultEmbeddingDims
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.MaxConcurrency == 0 {
		cfg.Embedding.MaxConcurrency = 4
	}
	if cfg.Embedding.RequestsPerSecond == 0 {
		cfg.Embedding.RequestsPerSecond = 5
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = 5
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 60
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}

	if cfg.Chunking.Unit == "" {
		cfg.Chunking.Unit = "tokens"
	}
	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = DefaultChunkSize
	}
	if cfg.Chunking.ChunkOverlap == 0 {
		cfg.Chunking.ChunkOverlap = DefaultChunkOverlap
		if cfg.Chunking.ChunkOverlap >= cfg.Chunking.ChunkSize {
			cfg.Chunking.ChunkOverlap = cfg.Chunking.ChunkSize / 8
		}
	}
	if cfg.Chunking.MinChunkSize == 0 {
		cfg.Chunking.MinChunkSize = 50
	}

	if cfg.Retrieval.Mode == "" {
		cfg.Retrieval.Mode = "exact"
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = DefaultMaxTopK
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = DefaultTopK
	}
	if cfg.Retrieval.IVFLists == 0 {
		cfg.Retrieval.IVFLists = 16
	}
	if cfg.Retrieval.IVFProbes == 0 {
		cfg.Retrieval.IVFProbes = 4
	}
	if cfg.Retrieval.IVFMinPartition == 0 {
		cfg.Retrieval.IVFMinPartition = 256
	}
	if cfg.Retrieval.CandidateFactor == 0 {
		cfg.Retrieval.CandidateFactor = 4
	}

	if cfg.Chat.Provider == "" {
		cfg.Chat.Provider = "openai"
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = DefaultChatModel
	}
	if cfg.Chat.APIKeyEnv == "" {
		cfg.Chat.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Chat.MaxContextTokens == 0 {
		cfg.Chat.MaxContextTokens = 8000
	}
	if cfg.Chat.TopK == 0 {
		cfg.Chat.TopK = cfg.Retrieval.DefaultTopK
	}
	if cfg.Chat.MaxRetries == 0 {
		cfg.Chat.MaxRetries = 3
	}
	if cfg.Chat.TimeoutSeconds == 0 {
		cfg.Chat.TimeoutSeconds = 120
	}
	if cfg.Chat.SystemPrompt == "" {
		cfg.Chat.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Chat.NoDocumentsAnswer == "" {
		cfg.Chat.NoDocumentsAnswer = DefaultNoDocumentsAnswer
	}

	if cfg.Indexing.Workers == 0 {
		cfg.Indexing.Workers = 4
	}
	if cfg.Indexing.LockBackend == "" {
		cfg.Indexing.LockBackend = "memory"
	}
	if cfg.Indexing.RedisAddr == "" {
		cfg.Indexing.RedisAddr = "localhost:6379"
	}
	if cfg.Indexing.LockTTLSeconds == 0 {
		cfg.Indexing.LockTTLSeconds = 300
	}
}
