// Package redact masks credentials in text and attribute maps before they
// are stored or written to the audit log.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// PatternType identifies the category of a masked value.
type PatternType string

const (
	PatternCred   PatternType = "CRED"
	PatternBearer PatternType = "BEARER"
	PatternKey    PatternType = "PRIVATE_KEY"
)

// DefaultKeys are attribute keys whose values are always masked.
var DefaultKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"authorization", "client_secret", "private_key",
}

// PatternDef is an operator-defined pattern from the config file.
type PatternDef struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// Config selects what is masked.
type Config struct {
	Disabled bool         `yaml:"disabled"`
	Keys     []string     `yaml:"keys"`
	Patterns []PatternDef `yaml:"patterns"`
}

type pattern struct {
	typ PatternType
	re  *regexp.Regexp
}

var builtin = []pattern{
	{PatternKey, regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{PatternBearer, regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)},
	{PatternCred, regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+`)},
}

// Scrubber masks sensitive values. The zero value masks nothing; use New.
type Scrubber struct {
	patterns []pattern
	keys     map[string]bool
}

// New compiles cfg. A disabled config yields a Scrubber that passes
// everything through.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{keys: map[string]bool{}}
	if cfg.Disabled {
		return s, nil
	}
	s.patterns = append(s.patterns, builtin...)
	for i, def := range cfg.Patterns {
		if def.Name == "" {
			return nil, fmt.Errorf("patterns[%d]: name is required", i)
		}
		re, err := regexp.Compile(def.Regex)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d] %q: invalid regex: %w", i, def.Name, err)
		}
		s.patterns = append(s.patterns, pattern{PatternType(strings.ToUpper(def.Name)), re})
	}
	for _, k := range append(append([]string{}, DefaultKeys...), cfg.Keys...) {
		s.keys[strings.ToLower(k)] = true
	}
	return s, nil
}

// Text replaces every match with [REDACTED:<type>].
func (s *Scrubber) Text(text string) string {
	if s == nil {
		return text
	}
	for _, p := range s.patterns {
		text = p.re.ReplaceAllString(text, "[REDACTED:"+string(p.typ)+"]")
	}
	return text
}

// Map returns a copy of data with sensitive keys masked, descending into
// nested maps. String values of other keys go through Text.
func (s *Scrubber) Map(data map[string]any) map[string]any {
	if s == nil || data == nil {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s.keys[strings.ToLower(k)] {
			out[k] = maskValue(v)
			continue
		}
		switch tv := v.(type) {
		case map[string]any:
			out[k] = s.Map(tv)
		case string:
			out[k] = s.Text(tv)
		default:
			out[k] = v
		}
	}
	return out
}

// maskValue replaces a value with "***". Numbers and bools are preserved.
func maskValue(v any) any {
	switch v.(type) {
	case int, int64, float64, bool:
		return v
	case nil:
		return nil
	default:
		return "***"
	}
}
