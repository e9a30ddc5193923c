// Package sha1 provides the Wayback-style content digest: the RFC 4648 base32
// encoding of a SHA-1 sum.
package sha1

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the archive's digest format, not a security boundary.
	"encoding/base32"
	"strings"
)

// DigestLength is the length of an encoded digest.
const DigestLength = 32

// Hasher implements harvest.Hasher using base32(SHA-1).
type Hasher struct{}

// New returns a SHA-1 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns an uppercase base32 digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha1.Sum(data) //nolint:gosec // see import
	return base32.StdEncoding.EncodeToString(sum[:]), nil
}

// Valid reports whether digest is a well formed base32 SHA-1 digest. Claimed
// upstream digests that are not are still stored, they just never verify.
func Valid(digest string) bool {
	if len(digest) != DigestLength || strings.ToUpper(digest) != digest {
		return false
	}
	_, err := base32.StdEncoding.DecodeString(digest)
	return err == nil
}
