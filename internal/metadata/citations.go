package metadata

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
)

// Citation is a deduplicated, scored source derived from a retrieved document.
type Citation struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Domain      string  `json:"domain"`
	Snippet     string  `json:"snippet,omitempty"`
	Relevance   float64 `json:"relevance"`
	Credibility float64 `json:"credibility"`
}

// Score orders citations: relevance weighted by domain credibility.
func (c Citation) Score() float64 { return c.Relevance * c.Credibility }

// CredibilityRules holds domain credibility scoring rules
type CredibilityRules struct {
	TLDPatterns []struct {
		Suffix string  `yaml:"suffix"`
		Score  float64 `yaml:"score"`
	} `yaml:"tld_patterns"`
	DomainGroups []struct {
		Category string   `yaml:"category"`
		Score    float64  `yaml:"score"`
		Domains  []string `yaml:"domains"`
	} `yaml:"domain_groups"`
	DefaultScore float64 `yaml:"default_score"`
	MaxPerDomain int     `yaml:"max_per_domain"`
}

// DefaultCredibilityRules is used when no rules file is configured.
func DefaultCredibilityRules() *CredibilityRules {
	r := &CredibilityRules{DefaultScore: 0.6, MaxPerDomain: 3}
	r.TLDPatterns = append(r.TLDPatterns,
		struct {
			Suffix string  `yaml:"suffix"`
			Score  float64 `yaml:"score"`
		}{Suffix: ".edu", Score: 0.85},
		struct {
			Suffix string  `yaml:"suffix"`
			Score  float64 `yaml:"score"`
		}{Suffix: ".gov", Score: 0.8},
	)
	return r
}

// LoadCredibilityRules reads rules from a YAML file. An empty path yields the defaults.
func LoadCredibilityRules(path string) (*CredibilityRules, error) {
	if path == "" {
		return DefaultCredibilityRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credibility rules: %w", err)
	}
	rules := DefaultCredibilityRules()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse credibility rules: %w", err)
	}
	return rules, nil
}

// NormalizeURL cleans a URL for deduplication: lowercase host without www,
// no fragment, no tracking parameters, no trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "msclkid", "ref", "source",
		} {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// ExtractDomain returns the host of rawURL without port and www prefix.
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// Score returns the credibility of domain under the rules.
func (r *CredibilityRules) Score(domain string) float64 {
	domain = strings.ToLower(domain)
	for _, p := range r.TLDPatterns {
		if strings.HasSuffix(domain, p.Suffix) {
			return p.Score
		}
	}
	for _, g := range r.DomainGroups {
		for _, known := range g.Domains {
			known = strings.ToLower(known)
			if domain == known || strings.HasSuffix(domain, "."+known) {
				return g.Score
			}
		}
	}
	if r.DefaultScore > 0 {
		return r.DefaultScore
	}
	return 0.6
}

// Collect turns documents into ranked citations. Documents sharing a normalized
// URL (or, without URL, a title) are merged keeping the best relevance; at most
// MaxPerDomain citations per domain are kept and at most limit overall.
func Collect(docs pipeline.Documents, rules *CredibilityRules, limit int) []Citation {
	if rules == nil {
		rules = DefaultCredibilityRules()
	}
	index := make(map[string]int)
	var out []Citation
	for _, d := range docs {
		key := strings.ToLower(strings.TrimSpace(d.Title))
		c := Citation{URL: d.URL, Title: d.Title, Snippet: d.Snippet, Relevance: d.Score, Credibility: rules.DefaultScore}
		if d.URL != "" {
			if norm, err := NormalizeURL(d.URL); err == nil && norm != "" {
				key = norm
				c.URL = norm
			}
			if domain, err := ExtractDomain(d.URL); err == nil {
				c.Domain = domain
				c.Credibility = rules.Score(domain)
			}
		}
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			if c.Relevance > out[i].Relevance {
				out[i].Relevance = c.Relevance
			}
			if out[i].Title == "" {
				out[i].Title = c.Title
			}
			if out[i].Snippet == "" {
				out[i].Snippet = c.Snippet
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score() > out[j].Score() })

	if rules.MaxPerDomain > 0 {
		perDomain := make(map[string]int)
		kept := out[:0]
		for _, c := range out {
			if c.Domain != "" && perDomain[c.Domain] >= rules.MaxPerDomain {
				continue
			}
			perDomain[c.Domain]++
			kept = append(kept, c)
		}
		out = kept
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
