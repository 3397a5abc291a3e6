package formatting

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reference is one numbered source as shown to the reader.
type Reference struct {
	Index int
	Title string
	URL   string
}

// Line renders the reference as "[n] Title (URL)".
func (r Reference) Line() string {
	title := strings.TrimSpace(r.Title)
	switch {
	case title == "" && r.URL == "":
		return fmt.Sprintf("[%d] Untitled source", r.Index)
	case title == "":
		return fmt.Sprintf("[%d] %s", r.Index, r.URL)
	case r.URL == "":
		return fmt.Sprintf("[%d] %s", r.Index, title)
	default:
		return fmt.Sprintf("[%d] %s (%s)", r.Index, title, r.URL)
	}
}

var inlineMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

// InlineCitations returns the set of [n] markers used in text.
func InlineCitations(text string) map[int]bool {
	used := map[int]bool{}
	for _, m := range inlineMarker.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}
	return used
}

// StripSourcesSection removes the last "## Sources" section and everything after it.
func StripSourcesSection(text string) string {
	s := strings.TrimSpace(text)
	if idx := strings.LastIndex(strings.ToLower(s), "## sources"); idx != -1 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

// AppendSources rebuilds the Sources section of answer from refs. Any Sources
// section already present is replaced. References cited inline are labeled
// "cited"; the rest are listed as additional sources.
func AppendSources(answer string, refs []Reference) string {
	body := StripSourcesSection(answer)
	if len(refs) == 0 {
		return body
	}
	used := InlineCitations(body)

	var b strings.Builder
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString("## Sources\n")
	for i, ref := range refs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ref.Line())
		if used[ref.Index] {
			b.WriteString(" - cited")
		} else {
			b.WriteString(" - additional source")
		}
	}
	return b.String()
}

// PlainSources renders refs as an unformatted list, one URL or title per line.
func PlainSources(refs []Reference) string {
	lines := make([]string, 0, len(refs))
	for _, ref := range refs {
		v := ref.URL
		if v == "" {
			v = strings.TrimSpace(ref.Title)
		}
		if v == "" {
			continue
		}
		lines = append(lines, "- "+v)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Sources:\n" + strings.Join(lines, "\n")
}
