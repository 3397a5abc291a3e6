package degradation

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Templates maps advisory classes to text/template sources. Templates see
// AdvisoryData.
type Templates map[AdvisoryClass]string

// AdvisoryData is the template input for one advisory class.
type AdvisoryData struct {
	// Stages lists the affected stage names, comma separated.
	Stages string
	// UsedFallback is true when every affected stage was covered by a fallback.
	UsedFallback bool
}

// DefaultTemplates returns the built-in advisory wording.
func DefaultTemplates() Templates {
	return Templates{
		ClassRetrieval: "Some sources could not be searched{{if .UsedFallback}}, so a broader search was used instead{{end}}; " +
			"the answer may miss relevant information.",
		ClassEnrichment: "Supplementary sources were unavailable, so the answer relies on primary sources only.",
		ClassFactCheck: "We couldn't fully verify all claims in this answer; treat specific facts with caution.",
		ClassSynthesis: "{{if .UsedFallback}}The answer was assembled directly from source excerpts because it could not be fully composed." +
			"{{else}}We were unable to compose an answer to this question. Please try rephrasing it or try again later.{{end}}",
		ClassCitation: "{{if .UsedFallback}}Sources are listed without detailed formatting." +
			"{{else}}Sources could not be attached to this answer.{{end}}",
		ClassBudget:     "The query ran out of time before every step finished; the answer may be incomplete.",
		ClassMultiStage: "Several steps of this answer degraded ({{.Stages}}); it may be incomplete or less reliable.",
		ClassGeneric:    "Part of the processing for this query did not complete; the answer may be incomplete.",
	}
}

// LoadTemplates reads overrides from a YAML map of class to template and
// merges them over the defaults.
func LoadTemplates(path string) (Templates, error) {
	t := DefaultTemplates()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read advisory templates: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse advisory templates: %w", err)
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) == "" {
			continue
		}
		t[AdvisoryClass(k)] = v
	}
	return t, nil
}

func compile(t Templates) (map[AdvisoryClass]*template.Template, error) {
	out := make(map[AdvisoryClass]*template.Template, len(t))
	for class, src := range t {
		tmpl, err := template.New(string(class)).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("advisory template %s: %w", class, err)
		}
		out[class] = tmpl
	}
	if _, ok := out[ClassGeneric]; !ok {
		return nil, fmt.Errorf("advisory template %s is required", ClassGeneric)
	}
	return out, nil
}
