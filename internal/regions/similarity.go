package regions

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// similarityThreshold is the minimum word-overlap similarity for a detected
// region to be matched to an expected item.
const similarityThreshold = 0.3

// accentFolder strips combining marks so bilingual flyer names ("Leche
// entera" vs "LECHE ENTERA 1L", "Café" vs "Cafe") tokenize consistently.
var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeTokens lowercases, accent-folds, and splits a product name into
// whitespace-delimited words.
func normalizeTokens(name string) []string {
	folded, _, err := transform.String(accentFolder, name)
	if err != nil {
		folded = name
	}
	return strings.Fields(strings.ToLower(folded))
}

// WordOverlapSimilarity computes matchingWordCount / max(wordCount1,
// wordCount2) between two product names. It is symmetric and returns a
// value in [0,1]; two empty names score 0.
func WordOverlapSimilarity(a, b string) float64 {
	wordsA := normalizeTokens(a)
	wordsB := normalizeTokens(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}

	seen := make(map[string]bool, len(wordsB))
	matching := 0
	for _, w := range wordsB {
		if setA[w] && !seen[w] {
			matching++
			seen[w] = true
		}
	}

	maxLen := len(wordsA)
	if len(wordsB) > maxLen {
		maxLen = len(wordsB)
	}
	return float64(matching) / float64(maxLen)
}
