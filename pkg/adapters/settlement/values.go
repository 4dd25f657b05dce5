package settlement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/settlement-engine/pkg/money"
)

// Datetime formats understood besides Go layouts and YYYY/MM/DD/HH/mm/ss token patterns.
const (
	FormatISO8601  = "ISO8601"
	FormatRFC3339  = "RFC3339"
	FormatUnix     = "UNIX"
	FormatUnixMsec = "UNIX_MS"
)

var iso8601Layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

var tokenReplacer = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
	"SSS", "000",
)

// toLayout converts a token pattern ("YYYYMMDDHHmmss") to a Go layout.
// Strings that already contain a Go reference year pass through unchanged.
func toLayout(format string) string {
	if strings.Contains(format, "2006") {
		return format
	}
	return tokenReplacer.Replace(format)
}

// parseDatetime parses value in loc and returns the UTC instant. Local
// wall-clock times that fall in a DST gap or overlap are rejected.
func parseDatetime(value, format string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	switch strings.ToUpper(format) {
	case FormatUnix:
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid unix timestamp %q", value)
		}
		return time.Unix(secs, 0).UTC(), nil
	case FormatUnixMsec:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid unix millisecond timestamp %q", value)
		}
		return time.UnixMilli(ms).UTC(), nil
	case FormatISO8601, FormatRFC3339:
		for _, layout := range iso8601Layouts {
			if t, err := parseInLocation(layout, value, loc); err == nil {
				return t, nil
			} else if isAmbiguity(err) {
				return time.Time{}, err
			}
		}
		return time.Time{}, fmt.Errorf("invalid ISO8601 timestamp %q", value)
	default:
		return parseInLocation(toLayout(format), value, loc)
	}
}

type ambiguousTimeError struct {
	value string
	kind  string
}

func (e *ambiguousTimeError) Error() string {
	return fmt.Sprintf("timestamp %q is %s in the supplier timezone", e.value, e.kind)
}

func isAmbiguity(err error) bool {
	_, ok := err.(*ambiguousTimeError)
	return ok
}

func parseInLocation(layout, value string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q for format %q", value, layout)
	}
	if layoutHasZone(layout) {
		return t.UTC(), nil
	}
	// the same layout parsed without a location yields the literal wall clock
	literal, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q for format %q", value, layout)
	}
	if kind := wallClockProblem(literal, t, loc); kind != "" {
		return time.Time{}, &ambiguousTimeError{value: value, kind: kind}
	}
	return t.UTC(), nil
}

func layoutHasZone(layout string) bool {
	return strings.Contains(layout, "Z07") || strings.Contains(layout, "-07") || strings.Contains(layout, "MST")
}

func sameWallClock(a, b time.Time) bool {
	ay, amo, ad := a.Date()
	ah, ami, as := a.Clock()
	by, bmo, bd := b.Date()
	bh, bmi, bs := b.Clock()
	return ay == by && amo == bmo && ad == bd && ah == bh && ami == bmi && as == bs
}

// wallClockProblem compares the literal wall clock with its resolution t in
// loc. It returns "non-existent" for wall clocks inside a DST gap and
// "ambiguous" for wall clocks that occur twice.
func wallClockProblem(literal, t time.Time, loc *time.Location) string {
	if !sameWallClock(literal, t) {
		return "non-existent"
	}
	_, offset := t.Zone()
	for _, probe := range []time.Duration{-3 * time.Hour, 3 * time.Hour} {
		_, other := t.Add(probe).Zone()
		if other == offset {
			continue
		}
		alt := t.Add(time.Duration(offset-other) * time.Second).In(loc)
		if sameWallClock(alt, literal) && !alt.Equal(t) {
			return "ambiguous"
		}
	}
	return ""
}

// parseAmountCents parses decimal fields as currency units and integer
// fields as cents. Negative amounts are rejected.
func parseAmountCents(value string, integerCents bool) (int64, error) {
	var cents int64
	if integerCents {
		v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer amount %q", value)
		}
		cents = v
	} else {
		v, err := money.ParseCents(value)
		if err != nil {
			return 0, err
		}
		cents = v
	}
	if cents < 0 {
		return 0, fmt.Errorf("negative amount %q", value)
	}
	return cents, nil
}

func parseInteger(value string) (int64, error) {
	v, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(value), ",", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	return v, nil
}
