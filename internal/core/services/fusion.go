package services

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// Fusion adjustments applied after weighting.
const (
	titleMatchBonus   = 0.2
	contentMatchBonus = 0.1
	goodLengthBonus   = 0.05
	shortPenalty      = 0.1
	longPenalty       = 0.1

	goodLengthMin = 100
	goodLengthMax = 2000
	shortLength   = 50
	longLength    = 5000
)

// Fuse merges vector and keyword candidates into one ranked list.
//
// A candidate found by one leg scores that leg's score times its weight.
// A candidate found by both scores the mean of the two weighted scores.
// The fused score then gains a bonus when the whole query appears in
// the title or content and a small length adjustment, and is clamped to
// [0, 1]. Candidates below cfg.MinScore are dropped and the list is cut
// to cfg.MaxResults.
func Fuse(query string, vector, keyword []domain.SearchCandidate, cfg domain.HybridConfig) []domain.SearchCandidate {
	type entry struct {
		cand           domain.SearchCandidate
		vScore, kScore float64
		hasV, hasK     bool
	}
	byID := make(map[string]*entry, len(vector)+len(keyword))
	var order []string

	for _, c := range vector {
		e, ok := byID[c.ID]
		if !ok {
			e = &entry{cand: c}
			byID[c.ID] = e
			order = append(order, c.ID)
		}
		if !e.hasV || c.Score > e.vScore {
			e.vScore = c.Score
		}
		e.hasV = true
	}
	for _, c := range keyword {
		e, ok := byID[c.ID]
		if !ok {
			e = &entry{cand: c}
			byID[c.ID] = e
			order = append(order, c.ID)
		}
		if !e.hasK || c.Score > e.kScore {
			e.kScore = c.Score
		}
		e.hasK = true
	}

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]domain.SearchCandidate, 0, len(order))
	for _, id := range order {
		e := byID[id]
		var score float64
		switch {
		case e.hasV && e.hasK:
			score = (e.vScore*cfg.VectorWeight + e.kScore*cfg.KeywordWeight) / 2
		case e.hasV:
			score = e.vScore * cfg.VectorWeight
		default:
			score = e.kScore * cfg.KeywordWeight
		}
		score = clamp01(score + adjustment(q, e.cand))
		if score < cfg.MinScore {
			continue
		}

		c := e.cand
		meta := make(map[string]any, len(c.Metadata)+2)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		if e.hasV {
			meta[domain.MetaVectorScore] = e.vScore
		}
		if e.hasK {
			meta[domain.MetaKeywordScore] = e.kScore
		}
		c.Metadata = meta
		c.Score = score
		c.Origin = domain.OriginHybrid
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if cfg.MaxResults > 0 && len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}

// adjustment returns the query-match bonus plus the length adjustment.
func adjustment(lowerQuery string, c domain.SearchCandidate) float64 {
	var adj float64
	if lowerQuery != "" {
		if strings.Contains(strings.ToLower(c.Title), lowerQuery) {
			adj += titleMatchBonus
		}
		if strings.Contains(strings.ToLower(c.Content), lowerQuery) {
			adj += contentMatchBonus
		}
	}
	n := utf8.RuneCountInString(c.Content)
	switch {
	case n > goodLengthMin && n < goodLengthMax:
		adj += goodLengthBonus
	case n < shortLength:
		adj -= shortPenalty
	case n > longLength:
		adj -= longPenalty
	}
	return adj
}
