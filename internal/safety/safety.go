// Package safety rejects generated SQL that contains mutating keywords.
//
// The check is a whole-word keyword denylist, not a SQL parser. Keywords
// inside string literals or comments are rejected too, and mutating
// statements phrased without the listed keywords pass.
package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrUnsafeQuery = errors.New("generated query contains unsafe operations")

var forbiddenKeywords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|GRANT|REVOKE)\b`)

type Sanitizer struct {
	enabled bool
}

func NewSanitizer(enabled bool) *Sanitizer {
	return &Sanitizer{enabled: enabled}
}

func (s *Sanitizer) Enabled() bool {
	return s != nil && s.enabled
}

// Sanitize returns sql unchanged, or ErrUnsafeQuery when filtering is enabled
// and a forbidden keyword appears anywhere in it.
func (s *Sanitizer) Sanitize(sql string) (string, error) {
	if !s.Enabled() {
		return sql, nil
	}
	if match := forbiddenKeywords.FindString(sql); match != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafeQuery, strings.ToUpper(match))
	}
	return sql, nil
}
