package domain

import (
	"fmt"
	"time"
)

const unknownDescription = "Unknown"

// EmbeddingProvider identifies an embedding service.
type EmbeddingProvider string

// Available embedding providers.
const (
	// EmbeddingProviderOllama is a local Ollama instance.
	EmbeddingProviderOllama EmbeddingProvider = "ollama"

	// EmbeddingProviderOpenAI is the OpenAI API or a compatible endpoint.
	EmbeddingProviderOpenAI EmbeddingProvider = "openai"

	// EmbeddingProviderHashing is the offline feature-hashing embedder.
	EmbeddingProviderHashing EmbeddingProvider = "hashing"
)

// IsValid returns true if the provider is recognised.
func (p EmbeddingProvider) IsValid() bool {
	switch p {
	case EmbeddingProviderOllama, EmbeddingProviderOpenAI, EmbeddingProviderHashing:
		return true
	default:
		return false
	}
}

// RequiresAPIKey returns true if this provider needs an API key.
func (p EmbeddingProvider) RequiresAPIKey() bool {
	return p == EmbeddingProviderOpenAI
}

// Description returns a human-readable description of the provider.
func (p EmbeddingProvider) Description() string {
	switch p {
	case EmbeddingProviderOllama:
		return "Ollama (local)"
	case EmbeddingProviderOpenAI:
		return "OpenAI (cloud)"
	case EmbeddingProviderHashing:
		return "Feature hashing (offline)"
	default:
		return unknownDescription
	}
}

// IndexBackend selects the ANN implementation.
type IndexBackend string

// Available index backends.
const (
	// IndexBackendHNSW is an approximate HNSW graph.
	IndexBackendHNSW IndexBackend = "hnsw"

	// IndexBackendFlat is an exact brute-force scan.
	IndexBackendFlat IndexBackend = "flat"
)

// IsValid returns true if the backend is recognised.
func (b IndexBackend) IsValid() bool {
	return b == IndexBackendHNSW || b == IndexBackendFlat
}

// ChunkBackend selects where chunks are stored.
type ChunkBackend string

// Available chunk backends.
const (
	ChunkBackendJSONL  ChunkBackend = "jsonl"
	ChunkBackendSQLite ChunkBackend = "sqlite"
)

// IsValid returns true if the backend is recognised.
func (b ChunkBackend) IsValid() bool {
	return b == ChunkBackendJSONL || b == ChunkBackendSQLite
}

// CacheBackend selects where the embedding cache log lives.
type CacheBackend string

// Available cache backends.
const (
	CacheBackendFile  CacheBackend = "file"
	CacheBackendRedis CacheBackend = "redis"
)

// IsValid returns true if the backend is recognised.
func (b CacheBackend) IsValid() bool {
	return b == CacheBackendFile || b == CacheBackendRedis
}

// EmbeddingSettings holds embedding provider configuration.
type EmbeddingSettings struct {
	Provider EmbeddingProvider
	Model    string
	BaseURL  string
	APIKey   string

	// Dimensions is the vector size; zero uses the model default.
	Dimensions int

	// BatchSize bounds the texts sent per provider call.
	BatchSize int

	// Timeout bounds a single provider call.
	Timeout time.Duration

	// RequestsPerSecond limits provider calls; zero is unlimited.
	RequestsPerSecond float64
}

// IsConfigured returns true if the embedding provider is set up.
func (e EmbeddingSettings) IsConfigured() bool {
	if !e.Provider.IsValid() {
		return false
	}
	return !e.Provider.RequiresAPIKey() || e.APIKey != ""
}

// IndexSettings holds vector index configuration.
type IndexSettings struct {
	Backend IndexBackend

	// RebuildDebounce is the quiet period before a scheduled rebuild.
	RebuildDebounce time.Duration

	// RebuildOnStart rebuilds the default namespace when a long-running command starts.
	RebuildOnStart bool
}

// RetrievalSettings holds orchestration defaults.
type RetrievalSettings struct {
	Hybrid HybridConfig

	// Lambda is the MMR relevance/diversity trade-off.
	Lambda float64

	// TopK is the default final result count.
	TopK int

	// MaxContextChars bounds the assembled context.
	MaxContextChars int

	// PerSourceLimit caps chunks per source in assembled context; zero disables.
	PerSourceLimit int
}

// StorageSettings selects persistence backends.
type StorageSettings struct {
	DataDir  string
	Chunks   ChunkBackend
	Cache    CacheBackend
	RedisURL string
}

// EventSettings configures change feeds.
type EventSettings struct {
	// WatchFiles enables the filesystem watcher on chunk logs.
	WatchFiles bool

	// NATSURL enables the NATS change feed when set.
	NATSURL string

	// NATSSubjectPrefix prefixes per-namespace subjects.
	NATSSubjectPrefix string
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Addr string
}

// Settings holds all application settings.
type Settings struct {
	Embedding EmbeddingSettings
	Index     IndexSettings
	Retrieval RetrievalSettings
	Storage   StorageSettings
	Events    EventSettings
	Server    ServerSettings
}

// DefaultSettings returns settings with sensible defaults.
// The default embedder is the offline hashing provider so a fresh
// install works without any service running.
func DefaultSettings() Settings {
	return Settings{
		Embedding: EmbeddingSettings{
			Provider:  EmbeddingProviderHashing,
			BatchSize: 64,
			Timeout:   30 * time.Second,
		},
		Index: IndexSettings{
			Backend:         IndexBackendHNSW,
			RebuildDebounce: 750 * time.Millisecond,
		},
		Retrieval: RetrievalSettings{
			Hybrid:          DefaultHybridConfig(),
			Lambda:          0.7,
			TopK:            6,
			MaxContextChars: 9000,
			PerSourceLimit:  2,
		},
		Storage: StorageSettings{
			Chunks: ChunkBackendJSONL,
			Cache:  CacheBackendFile,
		},
		Events: EventSettings{
			NATSSubjectPrefix: "kbsearch.changes",
		},
		Server: ServerSettings{
			Addr: ":8088",
		},
	}
}

// Validate checks that the settings can be wired.
func (s Settings) Validate() error {
	if !s.Embedding.Provider.IsValid() {
		return fmt.Errorf("%w: embedding provider %q", ErrInvalidInput, s.Embedding.Provider)
	}
	if s.Embedding.Provider.RequiresAPIKey() && s.Embedding.APIKey == "" {
		return fmt.Errorf("%w: embedding provider %s requires an API key", ErrInvalidInput, s.Embedding.Provider)
	}
	if s.Embedding.BatchSize <= 0 {
		return fmt.Errorf("%w: embedding batch size must be positive", ErrInvalidInput)
	}
	if !s.Index.Backend.IsValid() {
		return fmt.Errorf("%w: index backend %q", ErrInvalidInput, s.Index.Backend)
	}
	if !s.Storage.Chunks.IsValid() {
		return fmt.Errorf("%w: chunk backend %q", ErrInvalidInput, s.Storage.Chunks)
	}
	if !s.Storage.Cache.IsValid() {
		return fmt.Errorf("%w: cache backend %q", ErrInvalidInput, s.Storage.Cache)
	}
	if s.Storage.Cache == CacheBackendRedis && s.Storage.RedisURL == "" {
		return fmt.Errorf("%w: redis cache backend requires a URL", ErrInvalidInput)
	}
	if s.Retrieval.Lambda < 0 || s.Retrieval.Lambda > 1 {
		return fmt.Errorf("%w: lambda must be within [0, 1]", ErrInvalidInput)
	}
	if err := s.Retrieval.Hybrid.Validate(); err != nil {
		return fmt.Errorf("hybrid config: %w", err)
	}
	return nil
}

// EmbeddingDimensions returns the vector dimensions for known models.
func EmbeddingDimensions() map[string]int {
	return map[string]int{
		// Ollama models
		"nomic-embed-text":  768,
		"mxbai-embed-large": 1024,
		"all-minilm":        384,
		// OpenAI models
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
	}
}
