package util

import (
	"regexp"
	"strings"
	"unicode"
)

// TruncateString truncates s to maxLen and appends "..." if truncated (UTF-8 safe).
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBeforeRune(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return strings.TrimRight(string(runes[:cut]), " \t\n") + "..."
}

func lastSpaceBeforeRune(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

// qualifiers open a clause that narrows a query ("... in 2020", "... according to").
var qualifiers = map[string]bool{
	"in": true, "during": true, "since": true, "before": true, "after": true,
	"between": true, "from": true, "according": true, "published": true,
	"excluding": true, "including": true, "except": true, "without": true,
	"within": true, "written": true, "released": true, "circa": true,
}

var (
	bracketed = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
	years     = regexp.MustCompile(`\b(1[5-9]|20)\d{2}s?\b`)
)

// BroadenQuery strips qualifying clauses from q: bracketed asides, anything
// after a clause separator, trailing qualifier phrases and years. The first
// two words are always kept. When nothing is left the trimmed input is returned.
func BroadenQuery(q string) string {
	orig := strings.TrimSpace(q)
	s := bracketed.ReplaceAllString(orig, " ")
	s = strings.NewReplacer(`"`, "", "“", "", "”", "").Replace(s)
	if i := strings.IndexAny(s, ",;:"); i > 0 {
		s = s[:i]
	}
	if i := strings.Index(s, " - "); i > 0 {
		s = s[:i]
	}

	words := strings.Fields(s)
	for i := 2; i < len(words); i++ {
		if qualifiers[strings.ToLower(words[i])] {
			words = words[:i]
			break
		}
	}
	s = years.ReplaceAllString(strings.Join(words, " "), "")
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, "?.! ")
	if s == "" {
		return orig
	}
	return s
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "did": true, "do": true, "does": true, "for": true,
	"from": true, "how": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "was": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "with": true,
}

// Keywords lowercases q and returns its distinct non-stopword terms in order.
func Keywords(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
