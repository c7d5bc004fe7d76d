// Package token generates the URL-safe identifiers used for connection
// external ids, cache version directories, and query result ids.
package token

import (
	"encoding/base32"

	"github.com/google/uuid"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz156789"

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// New returns a 26-character token encoding a fresh UUID.
func New() string {
	id := uuid.New()
	return encoding.EncodeToString(id[:])
}

// Version returns the 8-character token used for snapshot version
// directories. Collisions within one table directory are what matter here,
// and 40 bits of randomness keeps them out of reach.
func Version() string {
	return New()[:8]
}
