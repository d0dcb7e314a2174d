package utils

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// GenShortID returns an 8 character URL-safe id for session links. If the
// system random source fails it falls back to the first 8 hex digits of a
// random UUID, which panics rather than returning an empty id.
func GenShortID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
