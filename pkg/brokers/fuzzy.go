package brokers

import (
	"sort"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// DefaultScoreCutoff is the minimum fuzzy score a search match needs.
const DefaultScoreCutoff = 50

// Match is one fuzzy search hit.
type Match struct {
	Choice string
	Score  int
}

func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

// Ratio scores the similarity of a and b from 0 to 100.
func Ratio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}
	r := levenshtein.RatioForStrings(ra, rb, levenshtein.DefaultOptions)
	return int(r*100 + 0.5)
}

// PartialRatio is the best Ratio of the shorter string against every
// equally long window of the longer one.
func PartialRatio(a, b string) int {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 100
		}
		return 0
	}

	best := 0
	for i := 0; i+len(short) <= len(long); i++ {
		if r := Ratio(string(short), string(long[i:i+len(short)])); r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

// WRatio blends Ratio and PartialRatio, favouring substring matches when
// the lengths differ a lot.
func WRatio(a, b string) int {
	a, b = normalizeText(a), normalizeText(b)
	if a == "" || b == "" {
		return 0
	}

	base := Ratio(a, b)
	la, lb := len(a), len(b)
	if la > lb {
		la, lb = lb, la
	}
	if float64(lb)/float64(la) < 1.5 {
		return base
	}

	scale := 0.9
	if float64(lb)/float64(la) >= 8 {
		scale = 0.6
	}
	partial := int(float64(PartialRatio(a, b))*scale + 0.5)
	if partial > base {
		return partial
	}
	return base
}

// ExtractBests returns up to limit choices scoring at least cutoff
// against pattern, best first. A limit <= 0 returns every match.
func ExtractBests(pattern string, choices []string, cutoff, limit int) []Match {
	matches := make([]Match, 0, len(choices))
	for _, c := range choices {
		if score := WRatio(pattern, c); score >= cutoff {
			matches = append(matches, Match{Choice: c, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
