// Package receipttext finds labelled values in receipt text.
package receipttext

import (
	"regexp"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

var (
	dateRe   = regexp.MustCompile(`\b\d{1,2}[./]\d{1,2}[./]\d{2,4}\b|\b\d{4}-\d{2}-\d{2}\b`)
	amountRe = regexp.MustCompile(`-?(?:\d{1,3}(?:[.,]\d{3})+|\d+)[.,]\d{2}`)
)

// Lines splits text into trimmed lines, dropping empty ones.
func Lines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(strings.ReplaceAll(line, "\u00a0", " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// LabeledDate returns the first date on a line containing one of the labels,
// or on the line right after it. Labels are tried in order.
func LabeledDate(lines []string, labels []string) (time.Time, bool) {
	var found time.Time
	ok := scanLabeled(lines, labels, func(line string) bool {
		for _, candidate := range dateRe.FindAllString(line, -1) {
			if d, parsed := domain.ParseDate(candidate); parsed {
				found = d
				return true
			}
		}
		return false
	})
	return found, ok
}

// FirstDate returns the first parseable date anywhere in the text.
func FirstDate(lines []string) (time.Time, bool) {
	for _, line := range lines {
		for _, candidate := range dateRe.FindAllString(line, -1) {
			if d, ok := domain.ParseDate(candidate); ok {
				return d, true
			}
		}
	}
	return time.Time{}, false
}

// LabeledAmount returns the first amount on a labelled line or the line after it.
func LabeledAmount(lines []string, labels []string) (int64, bool) {
	var found int64
	ok := scanLabeled(lines, labels, func(line string) bool {
		if values := amounts(line); len(values) > 0 {
			found = values[0]
			return true
		}
		return false
	})
	return found, ok
}

// LargestAmount is the grand-total guess when no label matched.
func LargestAmount(lines []string) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, line := range lines {
		for _, minor := range amounts(line) {
			if !found || minor > best {
				best, found = minor, true
			}
		}
	}
	return best, found
}

// amounts returns the money values of a line. Dates are masked first so
// "05.03.2024" does not read as 5,03.
func amounts(line string) []int64 {
	line = dateRe.ReplaceAllString(line, " ")
	var out []int64
	for _, loc := range amountRe.FindAllStringIndex(line, -1) {
		if loc[0] > 0 && isNumberChar(line[loc[0]-1]) {
			continue
		}
		if loc[1] < len(line) && isNumberChar(line[loc[1]]) && !isSeparatorAtEnd(line, loc[1]) {
			continue
		}
		if minor, ok := domain.ParseAmount(line[loc[0]:loc[1]]); ok {
			out = append(out, minor)
		}
	}
	return out
}

func isNumberChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == ','
}

// isSeparatorAtEnd accepts "12,34." and "12,34," as sentence punctuation.
func isSeparatorAtEnd(line string, i int) bool {
	if line[i] != '.' && line[i] != ',' {
		return false
	}
	return i+1 == len(line) || !(line[i+1] >= '0' && line[i+1] <= '9')
}

func scanLabeled(lines []string, labels []string, match func(line string) bool) bool {
	for _, label := range labels {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		for i, line := range lines {
			if !strings.Contains(strings.ToLower(line), label) {
				continue
			}
			if match(line) {
				return true
			}
			if i+1 < len(lines) && match(lines[i+1]) {
				return true
			}
		}
	}
	return false
}
