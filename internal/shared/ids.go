// Package shared provides small identifier helpers used across the runtime.
package shared

import (
	"strings"

	"github.com/google/uuid"
)

// NewID generates an opaque identifier for runs, steps and stories.
func NewID() string {
	return uuid.NewString()
}

// Nonce returns a short random suffix for idempotency keys.
func Nonce() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
