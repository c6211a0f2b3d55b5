// Package sha256 provides SHA-256 hashing for record fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

var _ scrape.Hasher = (*Hasher)(nil)

// fieldSeparator cannot appear in normalized text.
const fieldSeparator = "\x1f"

// Hasher implements scrape.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint hashes the normalized fields. Case and runs of whitespace do not
// change the result.
func (h *Hasher) Fingerprint(fields ...string) (string, error) {
	normalized := make([]string, len(fields))
	for i, f := range fields {
		normalized[i] = strings.Join(strings.Fields(strings.ToLower(f)), " ")
	}
	return h.Hash([]byte(strings.Join(normalized, fieldSeparator)))
}
