// Package ai provides factory functions for the embedding provider and the
// vector index backend selected in settings.
package ai

import (
	"context"
	"fmt"
	"time"

	hashembed "github.com/custodia-labs/kbsearch/internal/adapters/driven/embedding/hashing"
	ollamaembed "github.com/custodia-labs/kbsearch/internal/adapters/driven/embedding/ollama"
	openaiembed "github.com/custodia-labs/kbsearch/internal/adapters/driven/embedding/openai"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/vector/flat"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/vector/hnsw"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// pingTimeout is the maximum time to wait for service connectivity validation.
const pingTimeout = 5 * time.Second

// InitResult contains the result of embedding initialisation.
type InitResult struct {
	EmbeddingService driven.EmbeddingService
	IndexFactory     driven.VectorIndexFactory
	Warnings         []string // Non-fatal issues that caused fallback.
	FellBack         bool     // True if search runs keyword-only.
}

// Close releases all resources held by InitResult.
func (r *InitResult) Close() {
	if r.EmbeddingService != nil {
		_ = r.EmbeddingService.Close()
	}
}

// Init creates the index factory and a validated embedding service. An
// unreachable provider is not fatal: the result carries a warning and
// search falls back to keywords.
func Init(ctx context.Context, settings domain.Settings) (*InitResult, error) {
	factory, err := CreateIndexFactory(settings.Index.Backend)
	if err != nil {
		return nil, err
	}
	result := &InitResult{IndexFactory: factory}

	svc, err := CreateAndValidateEmbeddingService(ctx, &settings.Embedding)
	if err != nil {
		logger.Warn("%v", err)
		result.Warnings = append(result.Warnings, err.Error())
		result.FellBack = true
		return result, nil
	}
	if svc == nil {
		result.Warnings = append(result.Warnings, "embedding provider not configured")
		result.FellBack = true
		return result, nil
	}
	result.EmbeddingService = svc
	return result, nil
}

// CreateAndValidateEmbeddingService creates an embedding service and checks
// that it answers.
func CreateAndValidateEmbeddingService(ctx context.Context, settings *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	svc, err := CreateEmbeddingService(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
	}
	if svc == nil {
		return nil, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := svc.Ping(pingCtx); err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("%w: %s unreachable (%w)", domain.ErrEmbeddingUnavailable, settings.Provider, err)
	}
	return svc, nil
}

// CreateEmbeddingService creates the embedding service named in settings.
// Returns nil if the provider is not configured.
func CreateEmbeddingService(settings *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}

	switch settings.Provider {
	case domain.EmbeddingProviderHashing:
		return hashembed.NewEmbeddingService(settings.Dimensions), nil

	case domain.EmbeddingProviderOllama:
		return createOllamaEmbedding(settings), nil

	case domain.EmbeddingProviderOpenAI:
		return createOpenAIEmbedding(settings)

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", settings.Provider)
	}
}

// CreateIndexFactory returns the factory for backend.
func CreateIndexFactory(backend domain.IndexBackend) (driven.VectorIndexFactory, error) {
	switch backend {
	case domain.IndexBackendHNSW, "":
		return hnsw.Factory{}, nil
	case domain.IndexBackendFlat:
		return flat.Factory{}, nil
	default:
		return nil, fmt.Errorf("%w: index backend %q", domain.ErrInvalidInput, backend)
	}
}

func createOllamaEmbedding(settings *domain.EmbeddingSettings) driven.EmbeddingService {
	dimensions := settings.Dimensions
	if dimensions == 0 {
		dimensions = domain.EmbeddingDimensions()[settings.Model]
	}
	return ollamaembed.NewEmbeddingService(ollamaembed.Config{
		BaseURL:    settings.BaseURL,
		Model:      settings.Model,
		Timeout:    settings.Timeout,
		Dimensions: dimensions,
	})
}

func createOpenAIEmbedding(settings *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	return openaiembed.NewEmbeddingService(openaiembed.Config{
		APIKey:     settings.APIKey,
		BaseURL:    settings.BaseURL,
		Model:      settings.Model,
		Timeout:    settings.Timeout,
		Dimensions: settings.Dimensions,
	})
}
