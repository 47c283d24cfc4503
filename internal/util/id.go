package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random ID safe to use as a document path segment.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
