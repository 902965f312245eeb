package engine

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a fresh ULID run identifier, lowercased for URL use.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}
