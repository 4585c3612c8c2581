package cache

import (
	"strings"
	"unicode"

	sqlite3 "github.com/ncruces/go-sqlite3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer strips combining marks after canonical decomposition, so
// "José" folds to "Jose".
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lower-cases and removes Latin diacritics.
func Fold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// FuzzyMatch reports whether query matches text: case-insensitive,
// accent-insensitive, accepting substring containment or up to two
// edit-distance typos.
func FuzzyMatch(text, query string) bool {
	t, q := Fold(text), Fold(query)
	if q == "" {
		return true
	}
	if strings.Contains(t, q) {
		return true
	}
	return editDistanceAtMost(t, q, 2)
}

// editDistanceAtMost computes a banded Levenshtein distance, bailing out as
// soon as the distance exceeds max.
func editDistanceAtMost(a, b string, max int) bool {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la-lb > max || lb-la > max {
		return false
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if rowMin > max {
			return false
		}
		prev, cur = cur, prev
	}
	return prev[lb] <= max
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// registerFuzzyMatch registers fuzzy_match(text, query) -> 0|1 on a
// connection. Registered on every pooled connection via the driver hook.
func registerFuzzyMatch(c *sqlite3.Conn) error {
	return c.CreateFunction("fuzzy_match", 2, sqlite3.DETERMINISTIC|sqlite3.INNOCUOUS,
		func(ctx sqlite3.Context, arg ...sqlite3.Value) {
			ctx.ResultBool(FuzzyMatch(arg[0].Text(), arg[1].Text()))
		})
}
