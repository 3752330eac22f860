// Package idgen generates identifiers for decisions, suggestions and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// WithPrefix returns prefix followed by 24 hex chars, e.g. "sug_1f0c...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Ordered returns a time-ordered UUIDv7 so that ids sort by creation time.
// Falls back to a random UUID if the clock source fails.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
