package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driving"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Ensure RetrievalService implements the driving ports.
var (
	_ driving.RetrievalService = (*RetrievalService)(nil)
	_ driving.IndexService     = (*RetrievalService)(nil)
	_ driving.ConfigService    = (*RetrievalService)(nil)
)

const (
	// candidatePoolFactor widens each leg so fusion cut-offs still leave
	// enough candidates.
	candidatePoolFactor = 2

	snippetRunes     = 200
	defaultBaseDelay = 200 * time.Millisecond
)

// QueryEmbedder embeds a single query for a namespace.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, ns domain.Namespace, text string) ([]float32, error)
}

// RetrievalService runs hybrid retrieval over a namespace and owns its
// index lifecycle.
type RetrievalService struct {
	chunks    driven.ChunkStore
	embedder  QueryEmbedder
	index     *IndexManager
	lexical   *LexicalSearcher
	scheduler *RebuildScheduler
	notifiers []driven.ChangeNotifier

	mu       sync.RWMutex
	settings domain.RetrievalSettings
}

// NewRetrievalService creates a retrieval service. embedder may be nil, in
// which case every search is keyword-only. Zero settings fall back to the
// defaults, except PerSourceLimit where zero disables the cap.
func NewRetrievalService(
	chunks driven.ChunkStore,
	embedder QueryEmbedder,
	index *IndexManager,
	settings domain.RetrievalSettings,
) *RetrievalService {
	def := domain.DefaultSettings().Retrieval
	if settings.Hybrid == (domain.HybridConfig{}) {
		settings.Hybrid = def.Hybrid
	}
	if settings.Lambda <= 0 {
		settings.Lambda = def.Lambda
	}
	if settings.TopK <= 0 {
		settings.TopK = def.TopK
	}
	if settings.MaxContextChars <= 0 {
		settings.MaxContextChars = def.MaxContextChars
	}
	return &RetrievalService{
		chunks:   chunks,
		embedder: embedder,
		index:    index,
		lexical:  NewLexicalSearcher(chunks),
		settings: settings,
	}
}

// SetScheduler sets the scheduler that Watch forwards change events to.
func (s *RetrievalService) SetScheduler(scheduler *RebuildScheduler) {
	s.scheduler = scheduler
}

// AddNotifier registers a change feed for Watch.
func (s *RetrievalService) AddNotifier(n driven.ChangeNotifier) {
	s.notifiers = append(s.notifiers, n)
}

// Config returns the current fusion defaults.
func (s *RetrievalService) Config() domain.HybridConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Hybrid
}

// UpdateConfig replaces the fusion defaults for subsequent queries.
func (s *RetrievalService) UpdateConfig(cfg domain.HybridConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("hybrid config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Hybrid = cfg
	logger.Info("Hybrid config updated: vector=%.2f keyword=%.2f threshold=%.2f max=%d min=%.2f",
		cfg.VectorWeight, cfg.KeywordWeight, cfg.SemanticThreshold, cfg.MaxResults, cfg.MinScore)
	return nil
}

func (s *RetrievalService) currentSettings() domain.RetrievalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Search runs both retrieval legs, fuses them and diversifies the result.
func (s *RetrievalService) Search(
	ctx context.Context, ns domain.Namespace, query string, opts domain.SearchOptions,
) ([]domain.SearchCandidate, error) {
	res, err := s.search(ctx, ns, query, opts)
	if err != nil {
		return nil, err
	}
	if res.vectorErr != nil {
		logger.Warn("Vector search failed, using keyword results only: %v", res.vectorErr)
	}
	return res.candidates, nil
}

// searchOutcome is a search result. vectorErr is set when the vector leg
// failed and the result is keyword-only.
type searchOutcome struct {
	candidates []domain.SearchCandidate
	vectorErr  error
}

func (s *RetrievalService) search(
	ctx context.Context, ns domain.Namespace, query string, opts domain.SearchOptions,
) (searchOutcome, error) {
	logger.Section("Search Execution")
	logger.Debug("Namespace: %s, query: %q", ns, query)

	query = strings.TrimSpace(query)
	if query == "" {
		logger.Debug("Empty query, returning no results")
		return searchOutcome{candidates: []domain.SearchCandidate{}}, nil
	}
	if err := ns.Validate(); err != nil {
		return searchOutcome{}, err
	}

	settings := s.currentSettings()
	cfg := opts.Apply(settings.Hybrid)
	if err := cfg.Validate(); err != nil {
		return searchOutcome{}, fmt.Errorf("search options: %w", err)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = settings.TopK
	}
	lambda := settings.Lambda
	if opts.Lambda != nil {
		lambda = *opts.Lambda
	}
	pool := max(cfg.MaxResults, topK) * candidatePoolFactor
	logger.Debug("TopK: %d, pool: %d, lambda: %.2f", topK, pool, lambda)

	hasIndex := s.openIndex(ctx, ns)

	var vector, keyword []domain.SearchCandidate
	var vecErr, kwErr error
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		keyword, kwErr = s.lexical.Search(ctx, ns, query, pool)
	}()
	if hasIndex {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vector, vecErr = s.vectorSearch(ctx, ns, query, pool, cfg.SemanticThreshold)
		}()
	} else {
		logger.Debug("No vector index for %s, keyword search only", ns)
	}
	wg.Wait()

	switch {
	case kwErr != nil && (vecErr != nil || !hasIndex):
		logger.Warn("Search: all retrieval legs failed")
		if vecErr != nil {
			return searchOutcome{}, fmt.Errorf("search: keyword=%w, vector=%w", kwErr, vecErr)
		}
		return searchOutcome{}, fmt.Errorf("search: keyword: %w", kwErr)
	case kwErr != nil:
		logger.Warn("Keyword search failed, using vector results only: %v", kwErr)
		keyword = nil
	case vecErr != nil:
		vector = nil
	}
	logger.Debug("Legs: %d vector, %d keyword", len(vector), len(keyword))

	fused := Fuse(query, vector, keyword, cfg)
	out := Diversify(fused, topK, lambda)
	if out == nil {
		out = []domain.SearchCandidate{}
	}
	logger.Info("Search %s: %d results", ns, len(out))
	return searchOutcome{candidates: out, vectorErr: vecErr}, nil
}

// openIndex opens the namespace index and reports whether vector search
// is possible.
func (s *RetrievalService) openIndex(ctx context.Context, ns domain.Namespace) bool {
	if s.embedder == nil || s.index == nil {
		return false
	}
	if err := s.index.Open(ctx, ns); err != nil {
		logger.Warn("Index %s unavailable, keyword search only: %v", ns, err)
		return false
	}
	return s.index.HasIndex(ns)
}

// vectorSearch embeds the query and returns matches at or above threshold.
func (s *RetrievalService) vectorSearch(
	ctx context.Context, ns domain.Namespace, query string, limit int, threshold float64,
) ([]domain.SearchCandidate, error) {
	vec, err := s.embedder.EmbedQuery(ctx, ns, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	matches, err := s.index.Search(ctx, ns, vec, limit)
	if err != nil {
		return nil, err
	}

	out := make([]domain.SearchCandidate, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < threshold {
			continue
		}
		c := domain.CandidateFromChunk(m.Chunk, m.Similarity, domain.OriginVector)
		c.Metadata[domain.MetaVectorScore] = m.Similarity
		out = append(out, c)
	}
	logger.Debug("Vector search: %d of %d hits above %.2f", len(out), len(matches), threshold)
	return out, nil
}

// SearchWithRetry runs Search under an explicit retry policy. Attempts that
// hit an embedding provider failure are retried with Fibonacci backoff.
// When retries run out the last keyword-only result is returned.
func (s *RetrievalService) SearchWithRetry(
	ctx context.Context, ns domain.Namespace, query string, opts domain.SearchOptions, policy domain.RetryPolicy,
) ([]domain.SearchCandidate, error) {
	base := policy.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	b := retry.WithMaxRetries(policy.MaxRetries, retry.NewFibonacci(base))
	if policy.MaxDelay > 0 {
		b = retry.WithCappedDuration(policy.MaxDelay, b)
	}

	var last []domain.SearchCandidate
	var have bool
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		res, err := s.search(ctx, ns, query, opts)
		if err != nil {
			if domain.IsProviderError(err) {
				logger.Debug("Search attempt %d failed: %v", attempt, err)
				return retry.RetryableError(err)
			}
			return err
		}
		last, have = res.candidates, true
		if domain.IsProviderError(res.vectorErr) {
			logger.Debug("Search attempt %d degraded: %v", attempt, res.vectorErr)
			return retry.RetryableError(res.vectorErr)
		}
		return nil
	})
	if err != nil {
		if have && domain.IsProviderError(err) {
			logger.Warn("Vector search failed after %d attempts, using keyword results only: %v", attempt, err)
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

// Retrieve runs Search and assembles a bounded context with citations.
func (s *RetrievalService) Retrieve(
	ctx context.Context, ns domain.Namespace, query string, opts domain.SearchOptions,
) (*domain.RetrievalContext, error) {
	cands, err := s.Search(ctx, ns, query, opts)
	if err != nil {
		return nil, err
	}
	settings := s.currentSettings()
	items := cands
	if settings.PerSourceLimit > 0 {
		items = limitPerSource(items, settings.PerSourceLimit)
	}

	var b strings.Builder
	used := 0
	citations := make([]domain.Citation, 0, len(items))
	kept := make([]domain.SearchCandidate, 0, len(items))
	for _, c := range items {
		n := utf8.RuneCountInString(c.Content)
		if used+n > settings.MaxContextChars {
			break
		}
		b.WriteString(c.Content)
		b.WriteString("\n\n")
		used += n + 2
		kept = append(kept, c)
		citations = append(citations, domain.Citation{
			Key:      len(citations) + 1,
			ChunkID:  c.ID,
			SourceID: c.SourceID,
			Title:    c.Title,
			Snippet:  truncateRunes(c.Content, snippetRunes),
		})
	}

	return &domain.RetrievalContext{
		Query:      strings.TrimSpace(query),
		Context:    strings.TrimSpace(b.String()),
		Citations:  citations,
		Candidates: kept,
	}, nil
}

// limitPerSource keeps at most n candidates per source, in order.
func limitPerSource(cands []domain.SearchCandidate, n int) []domain.SearchCandidate {
	counts := make(map[string]int)
	out := make([]domain.SearchCandidate, 0, len(cands))
	for _, c := range cands {
		if counts[c.SourceID] >= n {
			continue
		}
		counts[c.SourceID]++
		out = append(out, c)
	}
	return out
}

// CitationStyle selects how FormatCitations renders markers.
type CitationStyle string

// Citation styles.
const (
	CitationBrackets CitationStyle = "brackets"
	CitationInline   CitationStyle = "inline"
)

// FormatCitations renders one marker per citation: "[1]" for brackets,
// "(Source: title)" for inline.
func FormatCitations(citations []domain.Citation, style CitationStyle) []string {
	out := make([]string, len(citations))
	for i, c := range citations {
		if style == CitationInline {
			name := c.Title
			if name == "" {
				name = c.SourceID
			}
			out[i] = fmt.Sprintf("(Source: %s)", name)
			continue
		}
		out[i] = fmt.Sprintf("[%d]", i+1)
	}
	return out
}

// BuildIndex rebuilds the namespace index from the chunk store.
func (s *RetrievalService) BuildIndex(ctx context.Context, ns domain.Namespace) (domain.BuildResult, error) {
	if err := ns.Validate(); err != nil {
		return domain.BuildResult{}, err
	}
	return s.index.RebuildAll(ctx, ns)
}

// Status reports the namespace index, loading a persisted snapshot if one
// exists. It never triggers a rebuild.
func (s *RetrievalService) Status(ctx context.Context, ns domain.Namespace) (domain.IndexStatus, error) {
	if err := ns.Validate(); err != nil {
		return domain.IndexStatus{}, err
	}
	if _, err := s.index.Restore(ctx, ns); err != nil {
		logger.Warn("Index %s: reading snapshot: %v", ns, err)
	}
	return s.index.Status(ns), nil
}

// Ingest stores chunks and adds the new ones to the live index.
func (s *RetrievalService) Ingest(ctx context.Context, ns domain.Namespace, chunks []domain.Chunk) (domain.UpsertResult, error) {
	if err := ns.Validate(); err != nil {
		return domain.UpsertResult{}, err
	}
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return domain.UpsertResult{}, fmt.Errorf("chunk %q: %w", c.ID, err)
		}
	}
	if err := s.index.Open(ctx, ns); err != nil {
		logger.Warn("Index %s unavailable before ingest: %v", ns, err)
	}
	if err := s.chunks.Append(ctx, ns, chunks); err != nil {
		return domain.UpsertResult{}, fmt.Errorf("storing chunks: %w", err)
	}
	return s.index.UpsertChunks(ctx, ns, chunks)
}

// RemoveSource deletes a source from the store and rebuilds the index.
func (s *RetrievalService) RemoveSource(ctx context.Context, ns domain.Namespace, sourceID string) (domain.BuildResult, error) {
	if err := ns.Validate(); err != nil {
		return domain.BuildResult{}, err
	}
	return s.index.RemoveSource(ctx, ns, sourceID)
}

// Watch forwards change events for ns to the rebuild scheduler until ctx is
// done.
func (s *RetrievalService) Watch(ctx context.Context, ns domain.Namespace) error {
	if s.scheduler == nil {
		return fmt.Errorf("%w: no rebuild scheduler", domain.ErrInvalidInput)
	}
	if len(s.notifiers) == 0 {
		return fmt.Errorf("%w: no change feeds configured", domain.ErrInvalidInput)
	}

	var cancels []func()
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()
	for _, n := range s.notifiers {
		cancel, err := n.Subscribe(ns, func(ev domain.ChangeEvent) {
			target := ev.Namespace
			if target == (domain.Namespace{}) {
				target = ns
			}
			logger.Debug("Change %s on %s (%d chunks)", ev.Kind, target, len(ev.ChunkIDs))
			s.scheduler.Schedule(target)
		})
		if err != nil {
			return fmt.Errorf("subscribing to changes: %w", err)
		}
		cancels = append(cancels, cancel)
	}
	logger.Info("Watching %s with %d change feeds", ns, len(cancels))

	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
