package files

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashSize is the byte length of a content hash.
const HashSize = sha256.Size

// Hash is a SHA-256 content identifier. It uniquely identifies a file's
// content and is the primary lookup key everywhere.
type Hash [HashSize]byte

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return h.Hex()
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("hash must be %d hex characters, got %d", HashSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// HashBytes computes the content hash of a byte slice.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// HashFile computes the content hash of a file on disk.
func HashFile(path string) (Hash, error) {
	var h Hash
	f, err := os.Open(path)
	if err != nil {
		return h, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return h, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(h[:], hasher.Sum(nil))
	return h, nil
}
