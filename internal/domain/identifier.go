package domain

import (
	"fmt"
	"regexp"
)

// Identifiers assigned by the platform are opaque but must stay within a
// strict allow-list before being interpolated into a URL path. Slashes,
// percent escapes and whitespace all fail the pattern; dot-only strings
// are rejected separately so ".." can never become a path segment.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const maxIdentifierLength = 128

// ValidateIdentifier checks an external payment id or settlement reference
// against the allow-list pattern. Violations are never retried.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("ValidateIdentifier: empty: %w", ErrInvalidExternalID)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("ValidateIdentifier: %q: %w", id, ErrInvalidExternalID)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("ValidateIdentifier: too long: %w", ErrInvalidExternalID)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("ValidateIdentifier: %q: %w", id, ErrInvalidExternalID)
	}
	return nil
}
