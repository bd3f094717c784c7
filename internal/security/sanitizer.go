package security

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"promptrelay/internal/config"
)

const maxPIIMappings = 1000

// Sanitizer replaces PII in outgoing prompts with placeholders and restores
// them in generated text, so upstream providers never see the originals.
type Sanitizer struct {
	mu       sync.RWMutex
	filters  []piiFilter
	mappings map[string]string // placeholder → original value
	reverse  map[string]string // original value → placeholder
	counter  map[string]int
	enabled  bool
}

type piiFilter struct {
	name    string
	pattern *regexp.Regexp
	prefix  string
}

// Applied in order: the more specific digit patterns run before phone numbers
// so a card or SSN is not split into a phone placeholder.
var defaultFilters = []struct {
	name    string
	pattern string
	prefix  string
}{
	{"key", `\b(?:sk-(?:ant-|or-)?[A-Za-z0-9_-]{16,}|AIza[0-9A-Za-z_-]{30,})`, "SECRET"},
	{"email", `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "EMAIL"},
	{"card", `\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`, "CARD"},
	{"ssn", `\b\d{3}-\d{2}-\d{4}\b`, "SSN"},
	{"ip", `\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`, "IP"},
	{"phone", `(?:\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}`, "PHONE"},
}

// NewSanitizer creates a PII sanitizer from config.
func NewSanitizer(cfg config.PIIFilterConfig) *Sanitizer {
	s := &Sanitizer{enabled: cfg.Enabled}
	s.reset()

	enableMap := map[string]bool{
		"key":   cfg.FilterKeys,
		"email": cfg.FilterEmails,
		"phone": cfg.FilterPhones,
		"card":  cfg.FilterCards,
		"ip":    cfg.FilterIPs,
		"ssn":   cfg.FilterSSN,
	}

	for _, f := range defaultFilters {
		if enableMap[f.name] {
			s.filters = append(s.filters, piiFilter{
				name:    f.name,
				pattern: regexp.MustCompile(f.pattern),
				prefix:  f.prefix,
			})
		}
	}

	return s
}

// Enabled reports whether any filter is active.
func (s *Sanitizer) Enabled() bool {
	return s.enabled && len(s.filters) > 0
}

// Sanitize replaces PII in text with placeholders. The same value always maps
// to the same placeholder until Reset.
func (s *Sanitizer) Sanitize(text string) string {
	if !s.Enabled() {
		return text
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Evict old mappings if limit reached to prevent unbounded growth
	if len(s.mappings) >= maxPIIMappings {
		s.reset()
	}

	result := text
	for _, f := range s.filters {
		result = f.pattern.ReplaceAllStringFunc(result, func(match string) string {
			if placeholder, ok := s.reverse[match]; ok {
				return placeholder
			}
			s.counter[f.prefix]++
			placeholder := fmt.Sprintf("[%s_%d]", f.prefix, s.counter[f.prefix])
			s.mappings[placeholder] = match
			s.reverse[match] = placeholder
			return placeholder
		})
	}
	return result
}

// Restore replaces placeholders back with original values.
func (s *Sanitizer) Restore(text string) string {
	if !s.Enabled() {
		return text
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.mappings) == 0 || !strings.Contains(text, "[") {
		return text
	}
	pairs := make([]string, 0, 2*len(s.mappings))
	for placeholder, original := range s.mappings {
		pairs = append(pairs, placeholder, original)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Reset clears all stored mappings (e.g., between conversations).
func (s *Sanitizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Sanitizer) reset() {
	s.mappings = make(map[string]string)
	s.reverse = make(map[string]string)
	s.counter = make(map[string]int)
}
