package domain

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDateRe      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	dottedDateRe   = regexp.MustCompile(`^(\d{1,2})[./](\d{1,2})[./](\d{2,4})$`)
	commaDecimalRe = regexp.MustCompile(`,\d{1,2}$`)
	dotDecimalRe   = regexp.MustCompile(`\.\d{1,2}$`)
	numberRe       = regexp.MustCompile(`-?\d+(?:\.\d{1,2})?`)
)

// ParseDate accepts ISO dates and day-first dotted or slashed dates.
// Two-digit years below 70 map to 20xx, the rest to 19xx.
func ParseDate(value string) (time.Time, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false
	}
	var y, mo, d int
	if m := isoDateRe.FindStringSubmatch(v); m != nil {
		y, _ = strconv.Atoi(m[1])
		mo, _ = strconv.Atoi(m[2])
		d, _ = strconv.Atoi(m[3])
	} else if m := dottedDateRe.FindStringSubmatch(v); m != nil {
		d, _ = strconv.Atoi(m[1])
		mo, _ = strconv.Atoi(m[2])
		y, _ = strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			if y < 70 {
				y += 2000
			} else {
				y += 1900
			}
		} else if len(m[3]) == 3 {
			return time.Time{}, false
		}
	} else {
		return time.Time{}, false
	}
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != mo {
		return time.Time{}, false
	}
	return t, true
}

// ParseAmount normalizes "14,70", "1.470,00", "1,470.00" and plain numbers to minor units.
func ParseAmount(value string) (int64, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(value), " ", "")
	if s == "" {
		return 0, false
	}
	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")
	switch {
	case hasDot && hasComma:
		if commaDecimalRe.MatchString(s) || !dotDecimalRe.MatchString(s) {
			s = strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		if commaDecimalRe.MatchString(s) {
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasDot:
		if !dotDecimalRe.MatchString(s) {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	num := numberRe.FindString(s)
	if num == "" {
		return 0, false
	}
	r, ok := new(big.Rat).SetString(num)
	if !ok {
		return 0, false
	}
	r.Mul(r, big.NewRat(100, 1))
	f, _ := r.Float64()
	if f >= 0 {
		return int64(f + 0.5), true
	}
	return int64(f - 0.5), true
}

// DetectCurrency looks for EUR/USD markers and defaults to EUR.
func DetectCurrency(text string) string {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(text, "€") || containsWord(upper, "EUR"):
		return "EUR"
	case strings.Contains(text, "$") || containsWord(upper, "USD"):
		return "USD"
	default:
		return DefaultCurrency
	}
}

func containsWord(text, word string) bool {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`).MatchString(text)
}
