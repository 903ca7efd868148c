// Package sha256 fingerprints normalized request URLs for the seen-set a
// crawl checkpoints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	size int
}

// New returns a hasher producing full 32-byte digests.
func New() *Hasher {
	return &Hasher{size: sha256.Size}
}

// NewTruncated keeps only the first size bytes of each digest, which keeps
// large checkpoints small. size must be between 8 and 32.
func NewTruncated(size int) (*Hasher, error) {
	if size < 8 || size > sha256.Size {
		return nil, fmt.Errorf("digest size %d out of range [8, %d]", size, sha256.Size)
	}
	return &Hasher{size: size}, nil
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:h.size]), nil
}
