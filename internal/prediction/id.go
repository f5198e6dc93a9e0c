package prediction

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// idEncoding mirrors the teacher's short, URL-safe id alphabet: unpadded
// base32 over the raw UUIDv7 bytes, lowercased.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID generates a time-sortable prediction id from a UUIDv7, the same
// source of randomness+ordering the teacher uses, reshuffled through
// base32 to stay short and path-safe.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ToLower(idEncoding.EncodeToString(id[:]))
}
