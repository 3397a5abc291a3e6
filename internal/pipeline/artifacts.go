package pipeline

import (
	"sort"
	"strings"
)

// Document is a retrieved passage or record.
type Document struct {
	ID      string  `json:"id" msgpack:"id" db:"id"`
	Title   string  `json:"title" msgpack:"title" db:"title"`
	URL     string  `json:"url,omitempty" msgpack:"url" db:"url"`
	Snippet string  `json:"snippet" msgpack:"snippet" db:"snippet"`
	Score   float64 `json:"score" msgpack:"score" db:"score"`
	Source  string  `json:"source,omitempty" msgpack:"source" db:"source"`
}

// Documents is the artifact written by retrieval and enrichment stages.
type Documents []Document

func (d Documents) Empty() bool { return len(d) == 0 }

// TopByScore returns up to n documents ordered by descending score.
// The receiver is not modified.
func (d Documents) TopByScore(n int) Documents {
	out := make(Documents, len(d))
	copy(out, d)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Fact is a claim with its verification status.
type Fact struct {
	Claim      string   `json:"claim"`
	Verified   bool     `json:"verified"`
	SourceIDs  []string `json:"source_ids,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Facts is the artifact written by the fact-check stage.
type Facts []Fact

func (f Facts) Empty() bool { return len(f) == 0 }

// Unverified counts the facts that were not verified.
func (f Facts) Unverified() int {
	n := 0
	for _, fact := range f {
		if !fact.Verified {
			n++
		}
	}
	return n
}

// Answer is the artifact written by the synthesis stage.
type Answer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Disclaimer string  `json:"disclaimer,omitempty"`
}

func (a Answer) Empty() bool { return strings.TrimSpace(a.Text) == "" }

// Source is a numbered reference attached to the final answer.
type Source struct {
	Index       int     `json:"index"`
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	Domain      string  `json:"domain,omitempty"`
	Credibility float64 `json:"credibility,omitempty"`
}

// Citations is the artifact written by the citation stage.
type Citations struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

func (c Citations) Empty() bool { return c.Text == "" && len(c.Sources) == 0 }

// Artifact is one named slot in insertion order.
type Artifact struct {
	Slot  string `json:"slot"`
	Owner string `json:"owner"`
	Value any    `json:"value"`
}
