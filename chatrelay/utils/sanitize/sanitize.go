// Package sanitize scrubs inbound chat content before it reaches a provider or the store.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Redacted replaces every matched injection phrase.
	Redacted = "[REDACTED]"

	// DefaultMaxLength is the per-message character limit.
	DefaultMaxLength = 10000
)

// DefaultPatterns are applied in order, case-insensitively.
var DefaultPatterns = []string{
	`ignore previous instructions`,
	`disregard all.+instructions`,
	`new instructions:`,
	`system:`,
}

// Sanitizer holds a compiled pattern list and a length cap. It has no
// mutable state and is safe to share.
type Sanitizer struct {
	patterns  []*regexp.Regexp
	maxLength int
}

var defaultSanitizer = MustNew(nil, DefaultMaxLength)

// New compiles DefaultPatterns followed by extra. maxLength <= 0 falls back
// to DefaultMaxLength.
func New(extra []string, maxLength int) (*Sanitizer, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	all := make([]string, 0, len(DefaultPatterns)+len(extra))
	all = append(all, DefaultPatterns...)
	all = append(all, extra...)

	compiled, err := compilePatterns(all)
	if err != nil {
		return nil, err
	}
	return &Sanitizer{patterns: compiled, maxLength: maxLength}, nil
}

// MustNew is New for static pattern lists.
func MustNew(extra []string, maxLength int) *Sanitizer {
	s, err := New(extra, maxLength)
	if err != nil {
		panic(err)
	}
	return s
}

// Sanitize runs content through the default sanitizer.
func Sanitize(content string) string {
	return defaultSanitizer.Sanitize(content)
}

// Default returns the shared sanitizer built from DefaultPatterns.
func Default() *Sanitizer { return defaultSanitizer }

// Sanitize redacts, trims and truncates content. Total and deterministic.
func (s *Sanitizer) Sanitize(content string) string {
	out := content
	for _, re := range s.patterns {
		out = re.ReplaceAllLiteralString(out, Redacted)
	}
	out = strings.TrimSpace(out)
	if utf8.RuneCountInString(out) > s.maxLength {
		out = string([]rune(out)[:s.maxLength])
		// the cut may expose trailing whitespace; trimming keeps a second pass a no-op
		out = strings.TrimRightFunc(out, unicode.IsSpace)
	}
	return out
}

// MaxLength reports the character cap.
func (s *Sanitizer) MaxLength() int { return s.maxLength }

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("sanitize pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
