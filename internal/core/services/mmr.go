package services

import "github.com/custodia-labs/kbsearch/internal/core/domain"

// DefaultLambda weighs relevance against diversity in Diversify.
const DefaultLambda = 0.7

// Diversify re-ranks candidates with maximal marginal relevance and returns
// k of them. Each step picks the candidate maximising
//
//	lambda*relevance - (1-lambda)*max similarity to already picked
//
// where similarity is the keyword-set overlap of the contents. Ties go to
// the earlier candidate. With k >= len(cands) the input is returned as is.
func Diversify(cands []domain.SearchCandidate, k int, lambda float64) []domain.SearchCandidate {
	if k <= 0 || len(cands) <= k {
		return cands
	}
	lambda = clamp01(lambda)

	tokens := make([]map[string]struct{}, len(cands))
	for i, c := range cands {
		tokens[i] = tokenSet(c.Title + " " + c.Content)
	}

	picked := make([]int, 0, k)
	used := make([]bool, len(cands))
	// maxSim[i] is the highest similarity of i to any picked candidate.
	maxSim := make([]float64, len(cands))

	for len(picked) < k {
		best := -1
		bestScore := 0.0
		for i, c := range cands {
			if used[i] {
				continue
			}
			score := lambda*c.Score - (1-lambda)*maxSim[i]
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		picked = append(picked, best)
		for i := range cands {
			if used[i] {
				continue
			}
			if s := jaccard(tokens[i], tokens[best]); s > maxSim[i] {
				maxSim[i] = s
			}
		}
	}

	out := make([]domain.SearchCandidate, len(picked))
	for i, idx := range picked {
		out[i] = cands[idx]
	}
	return out
}
