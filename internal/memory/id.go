package memory

import (
	"crypto/rand"
	"fmt"
)

// idAlphabet is a URL-safe alphabet (no padding, no ambiguous characters
// avoided on purpose — uniqueness comes from 12 random draws, not from
// visual clarity requirements).
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// newID generates an opaque 12-character URL-safe id (spec.md §3 Memory
// identity). No library in the example corpus offers a short random-id
// generator (google/uuid produces 36-character UUIDs, not 12-character
// opaque ids), so this draws directly from crypto/rand.
func newID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("memory: generate id: %w", err)
	}
	out := make([]byte, 12)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
