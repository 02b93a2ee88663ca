package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// Keyword scoring weights.
const (
	keywordHitScore     = 0.3
	keywordTitleBonus   = 0.2
	keywordFreqStep     = 0.1
	keywordFreqBonusCap = 0.3
)

// LexicalSearcher scores chunks by keyword containment. It reads the chunk
// store directly, so it works before any vector index exists.
type LexicalSearcher struct {
	chunks driven.ChunkStore
}

// NewLexicalSearcher creates a lexical searcher over chunks.
func NewLexicalSearcher(chunks driven.ChunkStore) *LexicalSearcher {
	return &LexicalSearcher{chunks: chunks}
}

// Search returns up to limit keyword candidates with scores in [0, 1].
// A query without usable keywords yields no candidates.
func (l *LexicalSearcher) Search(ctx context.Context, ns domain.Namespace, query string, limit int) ([]domain.SearchCandidate, error) {
	keywords := Keywords(query)
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}

	chunks, err := l.chunks.Chunks(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}

	var out []domain.SearchCandidate
	for _, c := range chunks {
		score := KeywordScore(c.Title, c.Text, keywords)
		if score <= 0 {
			continue
		}
		cand := domain.CandidateFromChunk(c, score, domain.OriginKeyword)
		cand.Metadata[domain.MetaKeywordScore] = score
		out = append(out, cand)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// KeywordScore scores one document against lower-cased keywords. Each
// keyword present earns a base score, a bonus when it appears in the title,
// and a capped bonus per occurrence. The total is clamped to [0, 1].
func KeywordScore(title, content string, keywords []string) float64 {
	lowerTitle := strings.ToLower(title)
	text := lowerTitle + " " + strings.ToLower(content)

	var score float64
	for _, kw := range keywords {
		if !strings.Contains(text, kw) {
			continue
		}
		score += keywordHitScore
		if strings.Contains(lowerTitle, kw) {
			score += keywordTitleBonus
		}
		freq := float64(strings.Count(text, kw))
		score += min(keywordFreqStep*freq, keywordFreqBonusCap)
	}
	return clamp01(score)
}
