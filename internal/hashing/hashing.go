// Package hashing is the canonical hashing primitive of the evidence ledger.
//
// Every digest in the system is SHA-256 rendered as a 64-character lowercase
// hex string. Block hashes and Merkle parents are computed over the UTF-8
// concatenation of those strings, so the encoding here must never change:
// doing so would invalidate every block already on the chain.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DigestLen is the length of a hex-encoded digest.
const DigestLen = sha256.Size * 2

// ZeroDigest is the all-zero sentinel used as the genesis block's previous hash.
const ZeroDigest = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrIO is returned when file content cannot be read for hashing.
	ErrIO = errors.New("hashing: read failed")

	// ErrInvalidDigest is returned for strings that are not 64 hex characters.
	ErrInvalidDigest = errors.New("hashing: invalid digest")
)

// HashBytes returns the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the digest of the UTF-8 bytes of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// Concat hashes the plain concatenation of parts, with no separators.
func Concat(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		io.WriteString(h, p) //nolint:errcheck // hash.Hash never returns an error
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader streams r through SHA-256 in a single pass and returns the digest
// together with the number of bytes consumed.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile returns the digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close() //nolint:errcheck

	digest, _, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return digest, nil
}

// IsDigest reports whether s is a canonical (lowercase) hex digest.
func IsDigest(s string) bool {
	if len(s) != DigestLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Normalize trims and lower-cases s and checks that the result is a digest.
// User-supplied hashes (query strings, CLI args) pass through here before
// being compared with stored values.
func Normalize(s string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(s))
	if !IsDigest(d) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	return d, nil
}

// Decode returns the raw bytes of a hex digest.
func Decode(s string) ([]byte, error) {
	if !IsDigest(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	return hex.DecodeString(s)
}
