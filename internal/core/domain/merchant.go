package domain

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var (
	merchantPrefixRe = regexp.MustCompile(`(?i)^\s*"?(merchant|korrespondent|correspondent)"?\s*:\s*"?(.+?)"?\s*,?\s*$`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
	illegalFileChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
)

// Longer phrases come first so "gmbh co kg" wins over "gmbh".
var legalFormTokens = []string{
	"gmbh co kg",
	"gmbh und co kg",
	"and co",
	"co kg",
	"gesellschaft mit beschraenkter haftung",
	"gesellschaft mit beschränkter haftung",
	"aktiengesellschaft",
	"kommanditgesellschaft",
	"offene handelsgesellschaft",
	"eingetragener kaufmann",
	"gmbh",
	"ag",
	"kg",
	"ug",
	"se",
	"ek",
	"ohg",
	"spa",
}

// NormalizeMerchant lowercases, keeps letters and spaces and drops legal-form tokens.
func NormalizeMerchant(name string) string {
	raw := strings.TrimSpace(name)
	if m := merchantPrefixRe.FindStringSubmatch(raw); m != nil {
		raw = strings.TrimSpace(m[2])
	}
	raw = strings.ReplaceAll(raw, "\u00a0", " ")
	lowered := strings.ToLower(raw)

	var b strings.Builder
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	out := " " + collapseSpaces(b.String()) + " "
	for _, token := range legalFormTokens {
		out = strings.ReplaceAll(out, " "+token+" ", " ")
	}
	return collapseSpaces(out)
}

// SanitizeMerchant turns a merchant into a stable filename component.
func SanitizeMerchant(name string) string {
	n := illegalFileChars.ReplaceAllString(collapseSpaces(name), "")
	n = collapseSpaces(n)
	n = strings.ReplaceAll(n, " ", "_")
	n = strings.TrimRight(n, ". ")
	if n == "" {
		return UnknownMerchant
	}
	return n
}

func collapseSpaces(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// TagMatch is the outcome of a merchant lookup in the tag map.
// MatchedKey is the configured spelling of the matched merchant, empty on no match.
type TagMatch struct {
	Tags       []string
	MatchedKey string
}

// TagMap maps normalized merchant keys to the tags a document must carry.
type TagMap struct {
	entries map[string][]string
	display map[string]string
	keys    []string
}

// NewTagMap normalizes keys. Keys that normalize to the same value share their tags.
func NewTagMap(raw map[string][]string) TagMap {
	tm := TagMap{
		entries: make(map[string][]string, len(raw)),
		display: make(map[string]string, len(raw)),
	}
	rawKeys := make([]string, 0, len(raw))
	for k := range raw {
		rawKeys = append(rawKeys, k)
	}
	sort.Strings(rawKeys)
	for _, k := range rawKeys {
		tags := raw[k]
		nk := NormalizeMerchant(k)
		if nk == "" {
			continue
		}
		if _, ok := tm.display[nk]; !ok {
			tm.display[nk] = strings.TrimSpace(k)
		}
		clean := make([]string, 0, len(tags))
		for _, t := range tags {
			if t = strings.TrimSpace(t); t != "" {
				clean = append(clean, t)
			}
		}
		tm.entries[nk] = append(tm.entries[nk], clean...)
	}
	for k := range tm.entries {
		tm.keys = append(tm.keys, k)
	}
	sort.Strings(tm.keys)
	return tm
}

func (tm TagMap) Len() int {
	return len(tm.entries)
}

// Resolve finds the desired tags for a merchant: exact, then longest substring,
// then Levenshtein within 20% of the longer string. No match yields an empty set.
func (tm TagMap) Resolve(merchant string) TagMatch {
	if len(tm.entries) == 0 {
		return TagMatch{Tags: []string{}}
	}
	name := NormalizeMerchant(merchant)
	if name == "" {
		return TagMatch{Tags: []string{}}
	}
	if _, ok := tm.entries[name]; ok {
		return tm.match(name)
	}
	if key := tm.bestSubstringKey(name); key != "" {
		return tm.match(key)
	}

	bestKey := ""
	bestDist := math.MaxInt
	nameLen := len([]rune(name))
	for _, k := range tm.keys {
		if len([]rune(k)) < 3 {
			continue
		}
		if d := levenshtein(name, k); d < bestDist {
			bestDist = d
			bestKey = k
		}
	}
	if bestKey != "" {
		longest := max(len([]rune(bestKey)), nameLen)
		threshold := max(1, int(math.Round(0.2*float64(longest))))
		if bestDist <= threshold {
			return tm.match(bestKey)
		}
	}
	return TagMatch{Tags: []string{}}
}

func (tm TagMap) match(key string) TagMatch {
	return TagMatch{Tags: dedupeTags(tm.entries[key]), MatchedKey: tm.display[key]}
}

func (tm TagMap) bestSubstringKey(name string) string {
	best := ""
	for _, k := range tm.keys {
		var ok bool
		if len([]rune(k)) < 3 {
			ok = strings.HasPrefix(name, k)
		} else {
			ok = strings.Contains(name, k)
		}
		if ok && len(k) > len(best) {
			best = k
		}
	}
	return best
}

func dedupeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(ra)+1)
	cur := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}
	for j := 1; j <= len(rb); j++ {
		cur[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[i] = min(cur[i-1]+1, prev[i]+1, prev[i-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(ra)]
}
