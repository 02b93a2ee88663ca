package services

import (
	"strings"
	"unicode"
)

// stopWords are dropped from keyword queries. The Russian entries are the
// question words common in support queries; the English ones are the usual
// function words.
var stopWords = map[string]struct{}{
	"как": {}, "что": {}, "где": {}, "когда": {}, "почему": {}, "зачем": {},
	"кто": {}, "какой": {}, "какая": {}, "какое": {}, "какие": {}, "для": {},
	"или": {}, "это": {}, "при": {},
	"the": {}, "are": {}, "was": {}, "were": {}, "been": {}, "being": {},
	"have": {}, "has": {}, "had": {}, "does": {}, "did": {}, "will": {},
	"would": {}, "could": {}, "should": {}, "may": {}, "might": {}, "can": {},
	"shall": {}, "for": {}, "with": {}, "from": {}, "into": {}, "through": {},
	"during": {}, "before": {}, "after": {}, "what": {}, "where": {},
	"when": {}, "how": {}, "which": {}, "who": {}, "whom": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "its": {}, "and": {}, "but": {},
	"not": {},
}

// minKeywordRunes is the exclusive lower bound on keyword length.
const minKeywordRunes = 2

// tokenize splits lower-cased text on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords extracts de-duplicated query keywords in first-seen order.
// Words of two runes or fewer and stop words are dropped.
func Keywords(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range tokenize(query) {
		if len([]rune(w)) <= minKeywordRunes {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// tokenSet returns the keyword set of a passage, used for MMR overlap.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range Keywords(text) {
		set[w] = struct{}{}
	}
	return set
}

// jaccard is |a∩b| / |a∪b|, zero when both are empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// normalizeForHash trims and collapses internal whitespace.
func normalizeForHash(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
