package validator

import (
	"fmt"
	"regexp"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/service"
)

// Sanitizer scans PoC text for disallowed patterns before execution.
// Best-effort: it blocks the obvious escapes, it is not a proof of
// safety.
type Sanitizer struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// NewSanitizer compiles the configured pattern set. Invalid patterns are
// a configuration error.
func NewSanitizer(patterns []config.PatternConfig) (*Sanitizer, error) {
	s := &Sanitizer{}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitizer pattern %q: %w", p.Name, err)
		}
		s.patterns = append(s.patterns, compiledPattern{name: p.Name, re: re})
	}
	return s, nil
}

// Check returns ErrUnsafeInput naming the first matched pattern.
func (s *Sanitizer) Check(poc string) error {
	for _, p := range s.patterns {
		if p.re.MatchString(poc) {
			return fmt.Errorf("%w: poc matched disallowed pattern %q", service.ErrUnsafeInput, p.name)
		}
	}
	return nil
}
