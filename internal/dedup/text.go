package dedup

import (
	"strings"
	"unicode"
)

// NormalizeTitle lowercases a title and collapses punctuation and runs of
// whitespace so cosmetic differences don't defeat exact matching.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	lastSpace := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// TitleTokens returns the normalized title's token set.
func TitleTokens(title string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(NormalizeTitle(title)) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// Jaccard computes the token-set similarity ratio in [0, 1]. Two empty sets
// count as dissimilar; an empty title carries no evidence of overlap.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
