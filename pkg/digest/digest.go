// Package digest fingerprints images and cave payloads.
//
// Image digests are BLAKE3-256, payload fingerprints are SHA3-256. Both are
// printed in base58.
package digest

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Size is the length of a digest in bytes.
const Size = 32

// ErrInvalidDigest is returned when a string is not a base58 digest.
var ErrInvalidDigest = errors.New("invalid digest")

// Digest is a 32-byte hash.
type Digest [Size]byte

// Image returns the BLAKE3 digest of an image.
func Image(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// Payload returns the SHA3-256 fingerprint of cave content.
func Payload(data []byte) Digest {
	return Digest(sha3.Sum256(data))
}

// Parse decodes a base58 digest.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := base58.Decode(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("%w: %d bytes", ErrInvalidDigest, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// String returns the base58 form.
func (d Digest) String() string {
	return base58.Encode(d[:])
}

// Short returns the first 8 characters of the base58 form.
func (d Digest) Short() string {
	s := d.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}
