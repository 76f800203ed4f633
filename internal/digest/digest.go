// Package digest computes and validates the canonical content digests used
// throughout the bundle synchronization engine: sha256: followed by 64
// lowercase hex characters.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// Algorithm is the only digest algorithm this system accepts.
	Algorithm = "sha256"

	// Prefix is prepended to every canonical digest string.
	Prefix = Algorithm + ":"

	hexLen = sha256.Size * 2
)

// ErrInvalidDigest is wrapped by every validation failure so callers can
// match it with errors.Is regardless of the offending string.
var ErrInvalidDigest = errors.New("invalid digest")

// Digest is a validated sha256:<hex> string. The zero value is not valid;
// construct one with Parse or FromBytes/FromReader.
type Digest string

// String implements fmt.Stringer.
func (d Digest) String() string {
	return string(d)
}

// Hex returns the 64 lowercase hex characters after the sha256: prefix. It
// does not validate d: it returns whatever follows the first seven bytes,
// and panics if d is shorter than the prefix — callers that hold a Digest
// value are expected to have validated it already.
func (d Digest) Hex() string {
	return string(d)[len(Prefix):]
}

// Parse validates s and returns it as a Digest, or an error wrapping
// ErrInvalidDigest. It never touches the filesystem or network: validating a
// digest string must always happen before it is used to build a path or a
// registry call.
func Parse(s string) (Digest, error) {
	if len(s) != len(Prefix)+hexLen {
		return "", fmt.Errorf("%w: %q: wrong length", ErrInvalidDigest, s)
	}
	if s[:len(Prefix)] != Prefix {
		return "", fmt.Errorf("%w: %q: missing %q prefix", ErrInvalidDigest, s, Prefix)
	}
	hexPart := s[len(Prefix):]
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		isLowerHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isLowerHex {
			return "", fmt.Errorf("%w: %q: non-hex or uppercase character %q", ErrInvalidDigest, s, c)
		}
	}
	return Digest(s), nil
}

// FromBytes computes the canonical digest of b.
func FromBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(Prefix + hex.EncodeToString(sum[:]))
}

// FromReader computes the canonical digest of everything read from r, in
// 8 KiB chunks, without buffering the whole stream in memory.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, 8*1024))
	if err != nil {
		return "", 0, fmt.Errorf("digest: reading stream: %w", err)
	}
	return Digest(Prefix + hex.EncodeToString(h.Sum(nil))), n, nil
}

// Verify recomputes the digest of b and compares it against want, returning
// a descriptive error on mismatch.
func Verify(want Digest, b []byte) error {
	got := FromBytes(b)
	if got != want {
		return fmt.Errorf("digest mismatch: expected %s, got %s", want, got)
	}
	return nil
}

// ShardedPath returns the two-level sharded path component for d, e.g.
// "ab/cd/abcd...". Used identically by the blob store and the local CAS.
func (d Digest) ShardedPath() string {
	h := d.Hex()
	return h[0:2] + "/" + h[2:4] + "/" + h
}
