package services

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// EnvPrefix prefixes environment overrides: "retrieval.top_k" is
// overridden by KBSEARCH_RETRIEVAL_TOP_K.
const EnvPrefix = "KBSEARCH_"

// Config keys for settings storage.
//
//nolint:gosec // G101: These are config key names, not actual credentials.
const (
	KeyEmbedProvider   = "embedding.provider"
	KeyEmbedModel      = "embedding.model"
	KeyEmbedBaseURL    = "embedding.base_url"
	KeyEmbedAPIKey     = "embedding.api_key"
	KeyEmbedDimensions = "embedding.dimensions"
	KeyEmbedBatchSize  = "embedding.batch_size"
	KeyEmbedTimeout    = "embedding.timeout"
	KeyEmbedRPS        = "embedding.requests_per_second"

	KeyIndexBackend        = "index.backend"
	KeyIndexDebounce       = "index.rebuild_debounce"
	KeyIndexRebuildOnStart = "index.rebuild_on_start"

	KeyVectorWeight    = "retrieval.vector_weight"
	KeyKeywordWeight   = "retrieval.keyword_weight"
	KeyMinSimilarity   = "retrieval.min_similarity"
	KeyMinScore        = "retrieval.min_score"
	KeyMaxResults      = "retrieval.max_results"
	KeyLambda          = "retrieval.lambda"
	KeyTopK            = "retrieval.top_k"
	KeyMaxContextChars = "retrieval.max_context_chars"
	KeyPerSourceLimit  = "retrieval.per_source_limit"

	KeyDataDir  = "storage.data_dir"
	KeyChunks   = "storage.chunks"
	KeyCache    = "storage.cache"
	KeyRedisURL = "storage.redis_url"

	KeyWatchFiles  = "events.watch_files"
	KeyNATSURL     = "events.nats_url"
	KeyNATSSubject = "events.nats_subject_prefix"

	KeyServerAddr = "server.addr"
)

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// SettingsService resolves settings from defaults, the config store and
// KBSEARCH_* environment variables, in increasing priority.
type SettingsService struct {
	configStore driven.ConfigStore
	lookupEnv   func(string) (string, bool)
}

// NewSettingsService creates a settings service reading the process
// environment.
func NewSettingsService(configStore driven.ConfigStore) *SettingsService {
	return &SettingsService{configStore: configStore, lookupEnv: os.LookupEnv}
}

// WithEnv replaces the environment lookup.
func (s *SettingsService) WithEnv(lookup func(string) (string, bool)) *SettingsService {
	s.lookupEnv = lookup
	return s
}

// Get resolves and validates the current settings.
func (s *SettingsService) Get() (domain.Settings, error) {
	d := domain.DefaultSettings()

	settings := domain.Settings{
		Embedding: domain.EmbeddingSettings{
			Provider:          domain.EmbeddingProvider(s.getString(KeyEmbedProvider, string(d.Embedding.Provider))),
			Model:             s.getString(KeyEmbedModel, d.Embedding.Model),
			BaseURL:           s.getString(KeyEmbedBaseURL, d.Embedding.BaseURL),
			APIKey:            s.getString(KeyEmbedAPIKey, d.Embedding.APIKey),
			Dimensions:        s.getInt(KeyEmbedDimensions, d.Embedding.Dimensions),
			BatchSize:         s.getInt(KeyEmbedBatchSize, d.Embedding.BatchSize),
			Timeout:           s.getDuration(KeyEmbedTimeout, d.Embedding.Timeout),
			RequestsPerSecond: s.getFloat(KeyEmbedRPS, d.Embedding.RequestsPerSecond),
		},
		Index: domain.IndexSettings{
			Backend:         domain.IndexBackend(s.getString(KeyIndexBackend, string(d.Index.Backend))),
			RebuildDebounce: s.getDuration(KeyIndexDebounce, d.Index.RebuildDebounce),
			RebuildOnStart:  s.getBool(KeyIndexRebuildOnStart, d.Index.RebuildOnStart),
		},
		Retrieval: domain.RetrievalSettings{
			Hybrid: domain.HybridConfig{
				VectorWeight:      s.getFloat(KeyVectorWeight, d.Retrieval.Hybrid.VectorWeight),
				KeywordWeight:     s.getFloat(KeyKeywordWeight, d.Retrieval.Hybrid.KeywordWeight),
				SemanticThreshold: s.getFloat(KeyMinSimilarity, d.Retrieval.Hybrid.SemanticThreshold),
				MinScore:          s.getFloat(KeyMinScore, d.Retrieval.Hybrid.MinScore),
				MaxResults:        s.getInt(KeyMaxResults, d.Retrieval.Hybrid.MaxResults),
			},
			Lambda:          s.getFloat(KeyLambda, d.Retrieval.Lambda),
			TopK:            s.getInt(KeyTopK, d.Retrieval.TopK),
			MaxContextChars: s.getInt(KeyMaxContextChars, d.Retrieval.MaxContextChars),
			PerSourceLimit:  s.getInt(KeyPerSourceLimit, d.Retrieval.PerSourceLimit),
		},
		Storage: domain.StorageSettings{
			DataDir:  s.getString(KeyDataDir, d.Storage.DataDir),
			Chunks:   domain.ChunkBackend(s.getString(KeyChunks, string(d.Storage.Chunks))),
			Cache:    domain.CacheBackend(s.getString(KeyCache, string(d.Storage.Cache))),
			RedisURL: s.getString(KeyRedisURL, d.Storage.RedisURL),
		},
		Events: domain.EventSettings{
			WatchFiles:        s.getBool(KeyWatchFiles, d.Events.WatchFiles),
			NATSURL:           s.getString(KeyNATSURL, d.Events.NATSURL),
			NATSSubjectPrefix: s.getString(KeyNATSSubject, d.Events.NATSSubjectPrefix),
		},
		Server: domain.ServerSettings{
			Addr: s.getString(KeyServerAddr, d.Server.Addr),
		},
	}

	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("settings from %s: %w", s.configStore.Path(), err)
	}
	return settings, nil
}

// Set stores a single value given as text, converting it to the type of
// the default. Unknown keys are rejected.
func (s *SettingsService) Set(key, raw string) error {
	kind, ok := settingKinds[key]
	if !ok {
		return fmt.Errorf("%w: unknown setting %q", domain.ErrInvalidInput, key)
	}
	var value any
	switch kind {
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s expects an integer", domain.ErrInvalidInput, key)
		}
		value = n
	case kindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: %s expects a number", domain.ErrInvalidInput, key)
		}
		value = f
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: %s expects true or false", domain.ErrInvalidInput, key)
		}
		value = b
	case kindDuration:
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%w: %s expects a duration such as 750ms", domain.ErrInvalidInput, key)
		}
		value = raw
	default:
		value = raw
	}
	if err := s.configStore.Set(key, value); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Keys returns every recognised setting key.
func Keys() []string {
	keys := make([]string, 0, len(settingKinds))
	for k := range settingKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Path returns the location of the backing config file.
func (s *SettingsService) Path() string {
	return s.configStore.Path()
}

// Values renders resolved settings keyed like the config file.
func Values(st domain.Settings) map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		KeyEmbedProvider:   string(st.Embedding.Provider),
		KeyEmbedModel:      st.Embedding.Model,
		KeyEmbedBaseURL:    st.Embedding.BaseURL,
		KeyEmbedAPIKey:     st.Embedding.APIKey,
		KeyEmbedDimensions: strconv.Itoa(st.Embedding.Dimensions),
		KeyEmbedBatchSize:  strconv.Itoa(st.Embedding.BatchSize),
		KeyEmbedTimeout:    st.Embedding.Timeout.String(),
		KeyEmbedRPS:        f(st.Embedding.RequestsPerSecond),

		KeyIndexBackend:        string(st.Index.Backend),
		KeyIndexDebounce:       st.Index.RebuildDebounce.String(),
		KeyIndexRebuildOnStart: strconv.FormatBool(st.Index.RebuildOnStart),

		KeyVectorWeight:    f(st.Retrieval.Hybrid.VectorWeight),
		KeyKeywordWeight:   f(st.Retrieval.Hybrid.KeywordWeight),
		KeyMinSimilarity:   f(st.Retrieval.Hybrid.SemanticThreshold),
		KeyMinScore:        f(st.Retrieval.Hybrid.MinScore),
		KeyMaxResults:      strconv.Itoa(st.Retrieval.Hybrid.MaxResults),
		KeyLambda:          f(st.Retrieval.Lambda),
		KeyTopK:            strconv.Itoa(st.Retrieval.TopK),
		KeyMaxContextChars: strconv.Itoa(st.Retrieval.MaxContextChars),
		KeyPerSourceLimit:  strconv.Itoa(st.Retrieval.PerSourceLimit),

		KeyDataDir:  st.Storage.DataDir,
		KeyChunks:   string(st.Storage.Chunks),
		KeyCache:    string(st.Storage.Cache),
		KeyRedisURL: st.Storage.RedisURL,

		KeyWatchFiles:  strconv.FormatBool(st.Events.WatchFiles),
		KeyNATSURL:     st.Events.NATSURL,
		KeyNATSSubject: st.Events.NATSSubjectPrefix,

		KeyServerAddr: st.Server.Addr,
	}
}

type settingKind int

const (
	kindString settingKind = iota
	kindInt
	kindFloat
	kindBool
	kindDuration
)

var settingKinds = map[string]settingKind{
	KeyEmbedProvider: kindString, KeyEmbedModel: kindString, KeyEmbedBaseURL: kindString,
	KeyEmbedAPIKey: kindString, KeyEmbedDimensions: kindInt, KeyEmbedBatchSize: kindInt,
	KeyEmbedTimeout: kindDuration, KeyEmbedRPS: kindFloat,
	KeyIndexBackend: kindString, KeyIndexDebounce: kindDuration, KeyIndexRebuildOnStart: kindBool,
	KeyVectorWeight: kindFloat, KeyKeywordWeight: kindFloat, KeyMinSimilarity: kindFloat,
	KeyMinScore: kindFloat, KeyMaxResults: kindInt, KeyLambda: kindFloat, KeyTopK: kindInt,
	KeyMaxContextChars: kindInt, KeyPerSourceLimit: kindInt,
	KeyDataDir: kindString, KeyChunks: kindString, KeyCache: kindString, KeyRedisURL: kindString,
	KeyWatchFiles: kindBool, KeyNATSURL: kindString, KeyNATSSubject: kindString,
	KeyServerAddr: kindString,
}

// Helper methods for reading config with defaults.

func (s *SettingsService) env(key string) (string, bool) {
	if s.lookupEnv == nil {
		return "", false
	}
	v, ok := s.lookupEnv(EnvName(key))
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (s *SettingsService) getString(key, defaultVal string) string {
	if v, ok := s.env(key); ok {
		return v
	}
	val := s.configStore.GetString(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func (s *SettingsService) getInt(key string, defaultVal int) int {
	if v, ok := s.env(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		logger.Warn("ignoring %s=%q: not an integer", EnvName(key), v)
	}
	if _, exists := s.configStore.Get(key); !exists {
		return defaultVal
	}
	return s.configStore.GetInt(key)
}

func (s *SettingsService) getFloat(key string, defaultVal float64) float64 {
	if v, ok := s.env(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
		logger.Warn("ignoring %s=%q: not a number", EnvName(key), v)
	}
	if f, ok := s.configStore.GetFloat(key); ok {
		return f
	}
	return defaultVal
}

func (s *SettingsService) getBool(key string, defaultVal bool) bool {
	if v, ok := s.env(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		logger.Warn("ignoring %s=%q: not a boolean", EnvName(key), v)
	}
	if _, exists := s.configStore.Get(key); !exists {
		return defaultVal
	}
	return s.configStore.GetBool(key)
}

func (s *SettingsService) getDuration(key string, defaultVal time.Duration) time.Duration {
	raw, ok := s.env(key)
	if !ok {
		raw = s.configStore.GetString(key)
	}
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("ignoring %s=%q: %v", key, raw, err)
		return defaultVal
	}
	return d
}
