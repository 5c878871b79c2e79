package contacts

import (
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// DefaultThreshold is the minimum fuzzy score accepted by the resolver.
const DefaultThreshold = 0.85

// MatchScore compares a query against a candidate name with several
// similarity strategies and returns the best score in [0,1]:
//
//   - token sort: word-order-insensitive comparison
//   - token set: tolerates extra tokens on either side ("John" vs "John Doe")
//   - partial: best-aligned substring comparison
//   - ratio: plain edit-distance similarity
//   - dice: bigram overlap
//
// Everything is case-insensitive.
func MatchScore(query, target string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	t := strings.ToLower(strings.TrimSpace(target))
	if q == "" || t == "" {
		return 0
	}
	if q == t {
		return 1
	}

	scores := []float64{
		tokenSortRatio(q, t),
		tokenSetRatio(q, t),
		partialRatio(q, t),
		levRatio(q, t),
		strutil.Similarity(q, t, metrics.NewSorensenDice()),
	}

	best := 0.0
	for _, s := range scores {
		if s > best {
			best = s
		}
	}
	if best > 1 {
		best = 1
	}
	return best
}

func levRatio(a, b string) float64 {
	return strutil.Similarity(a, b, metrics.NewLevenshtein())
}

func sortedTokens(s string) []string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return tokens
}

// tokenSortRatio sorts words before comparing, so "Doe John" matches
// "John Doe".
func tokenSortRatio(a, b string) float64 {
	as := strings.Join(sortedTokens(a), " ")
	bs := strings.Join(sortedTokens(b), " ")
	return strutil.Similarity(as, bs, metrics.NewJaroWinkler())
}

// tokenSetRatio compares the shared tokens against each side's full
// token set. A query whose tokens are a subset of the candidate's
// ("John" within "John Doe") scores 1.0.
func tokenSetRatio(a, b string) float64 {
	at := sortedTokens(a)
	bt := sortedTokens(b)

	common := make([]string, 0, len(at))
	rest := make(map[string]int, len(bt))
	for _, tok := range bt {
		rest[tok]++
	}
	for _, tok := range at {
		if rest[tok] > 0 {
			rest[tok]--
			common = append(common, tok)
		}
	}
	if len(common) == 0 {
		return 0
	}
	if len(common) == len(at) || len(common) == len(bt) {
		return 1
	}

	base := strings.Join(common, " ")
	jw := metrics.NewJaroWinkler()
	s1 := strutil.Similarity(base, strings.Join(at, " "), jw)
	s2 := strutil.Similarity(base, strings.Join(bt, " "), jw)
	if s1 > s2 {
		return s1
	}
	return s2
}

// partialRatio slides the shorter string across the longer one and
// keeps the best window similarity, rewarding matches positioned
// anywhere inside the candidate.
func partialRatio(a, b string) float64 {
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) == 0 {
		return 0
	}
	if strings.Contains(longer, shorter) {
		return 1
	}

	lev := metrics.NewLevenshtein()
	best := 0.0
	for i := 0; i+len(shorter) <= len(longer); i++ {
		window := longer[i : i+len(shorter)]
		if s := strutil.Similarity(shorter, window, lev); s > best {
			best = s
		}
	}
	return best
}
