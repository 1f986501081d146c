package idgen

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ValidateName checks a node or channel id. Ids travel as URL query values
// and pub/sub topics, so they are limited to letters, digits, dots, dashes
// and underscores, start and end with a letter or digit, and are at most
// 64 characters.
func ValidateName(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("id too long (max 64 characters)")
	}
	if !namePattern.MatchString(id) {
		return fmt.Errorf("id %q is invalid: must match %s", id, namePattern.String())
	}
	return nil
}

// NodeID returns configured when set, or a fresh id otherwise.
func NodeID(configured string) (string, error) {
	if configured == "" {
		return New(), nil
	}
	if err := ValidateName(configured); err != nil {
		return "", fmt.Errorf("node id: %w", err)
	}
	return configured, nil
}
