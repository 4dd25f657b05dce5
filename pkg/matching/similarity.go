package matching

import (
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Fuzzy score weights: string similarity, amount closeness, time closeness.
const (
	weightStrings = 0.5
	weightAmount  = 0.3
	weightTime    = 0.2
)

// minFuzzyWindow bounds how far apart in time a fuzzy candidate may be.
const minFuzzyWindow = 24 * time.Hour

// TokenSetRatio compares two strings as sets of lowercase alphanumeric
// tokens, returning 1 for identical sets (or when one set contains the
// other) and 0 for nothing in common. Distances are Levenshtein over runes.
func TokenSetRatio(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}

	var common, onlyA, onlyB []string
	for _, t := range ta {
		if _, found := slices.BinarySearch(tb, t); found {
			common = append(common, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for _, t := range tb {
		if _, found := slices.BinarySearch(ta, t); !found {
			onlyB = append(onlyB, t)
		}
	}

	base := strings.Join(common, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	return max(ratio(base, withA), ratio(base, withB), ratio(withA, withB))
}

// tokens returns sorted unique tokens.
func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	slices.Sort(fields)
	return slices.Compact(fields)
}

func ratio(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// amountCloseness is 1 - |a-b| / max(a,b), clamped to [0,1].
func amountCloseness(a, b int64) float64 {
	hi := max(a, b)
	if hi <= 0 {
		if a == b {
			return 1
		}
		return 0
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return 1 - min(1, float64(d)/float64(hi))
}

// timeCloseness is 1 - |delta| / window, clamped to [0,1].
func timeCloseness(delta, window time.Duration) float64 {
	if delta < 0 {
		delta = -delta
	}
	if window <= 0 {
		if delta == 0 {
			return 1
		}
		return 0
	}
	return 1 - min(1, float64(delta)/float64(window))
}

// fuzzyWindow is max(24h, 10 * timestamp tolerance).
func fuzzyWindow(tolerance time.Duration) time.Duration {
	return max(minFuzzyWindow, 10*tolerance)
}
