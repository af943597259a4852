// Package cas provides content-addressing primitives built on BLAKE3.
//
// Every model file, manifest snapshot and commit in comfyenv is identified
// by the BLAKE3-256 hash of its content. This package owns the Hash type
// and the hashing entry points used by the model index and the history
// store.
package cas

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// Hash represents a BLAKE3-256 hash value.
type Hash [32]byte

// String returns the hexadecimal representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns a 12-character hash prefix for display.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

// IsZero reports whether the hash is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// SumB3 computes the BLAKE3 hash of the given data.
func SumB3(data []byte) Hash {
	return blake3.Sum256(data)
}

// SumFile computes the BLAKE3 hash of a file by streaming its content.
// Model weight files run to many gigabytes, so the file is never read
// into memory at once.
func SumFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New(32, nil)
	n, err := io.Copy(hasher, f)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("hash %s: %w", path, err)
	}

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h, n, nil
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	if len(s) != 64 {
		return Hash{}, fmt.Errorf("invalid hash length: %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}
