// Package nixhash implements Nix's content-hashing primitives: one-shot and
// incremental MD5/SHA-1/SHA-256/SHA-512 digests, printable in Base16,
// NixBase32, Base64 and SRI form, and a streaming HashSink that hashes bytes
// as they are copied through it.
package nixhash

import (
	"crypto/md5" //nolint:gosec // required by the Nix hash algorithm set
	"crypto/sha1" //nolint:gosec // required by the Nix hash algorithm set
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/numtide/harmonia/pkg/nixbase32"
)

// Algorithm identifies one of the four hash algorithms Nix uses.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// ErrUnknownAlgorithm is returned for an Algorithm value outside the known set.
var ErrUnknownAlgorithm = errors.New("nixhash: unknown algorithm")

// ErrInvalidEncoding is returned when a printed hash cannot be decoded in any
// of the known formats (SRI, Base16, NixBase32, Base64).
var ErrInvalidEncoding = errors.New("nixhash: invalid encoding")

// ErrLengthMismatch is returned when a decoded digest's length does not match
// what the algorithm requires.
var ErrLengthMismatch = errors.New("nixhash: digest length does not match algorithm")

// size returns the raw digest length, in bytes, for alg.
func (alg Algorithm) size() (int, error) {
	switch alg {
	case MD5:
		return md5.Size, nil
	case SHA1:
		return sha1.Size, nil
	case SHA256:
		return sha256.Size, nil
	case SHA512:
		return sha512.Size, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

func (alg Algorithm) newHash() (hash.Hash, error) {
	switch alg {
	case MD5:
		return md5.New(), nil //nolint:gosec
	case SHA1:
		return sha1.New(), nil //nolint:gosec
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// Digest is a computed hash: the algorithm it was computed with plus the raw
// digest bytes. Equality between two Digests should be compared via Equal,
// which compares only the raw bytes (algorithm mismatches are the caller's
// concern).
type Digest struct {
	Algorithm Algorithm
	Bytes     []byte
}

// Equal reports whether two digests hold the same raw bytes, regardless of
// algorithm label.
func (d Digest) Equal(o Digest) bool {
	if len(d.Bytes) != len(o.Bytes) {
		return false
	}

	for i := range d.Bytes {
		if d.Bytes[i] != o.Bytes[i] {
			return false
		}
	}

	return true
}

// Base16 prints the digest as lower-case hex.
func (d Digest) Base16() string { return nixbase32.EncodeToHex(d.Bytes) }

// NixBase32 prints the digest in Nix's Base32 alphabet.
func (d Digest) NixBase32() string { return nixbase32.Encode(d.Bytes) }

// Base64 prints the digest as standard padded base64.
func (d Digest) Base64() string { return nixbase32.EncodeToBase64(d.Bytes) }

// SRI prints the digest as "<algo>-<base64>", e.g. "sha256-AAAA...".
func (d Digest) SRI() string { return string(d.Algorithm) + "-" + d.Base64() }

// String prints the digest as "<algo>:<nixbase32>", the form used in narinfo
// NarHash fields.
func (d Digest) String() string { return string(d.Algorithm) + ":" + d.NixBase32() }

// Context is an incremental hasher: call Write (or Update) repeatedly, then
// Finish to obtain the Digest.
type Context struct {
	alg Algorithm
	h   hash.Hash
}

// NewContext returns a fresh incremental Context for alg.
func NewContext(alg Algorithm) (*Context, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}

	return &Context{alg: alg, h: h}, nil
}

// Update feeds more bytes into the hash. It never returns an error: hash.Hash
// implementations never fail to Write.
func (c *Context) Update(p []byte) { c.h.Write(p) } //nolint:errcheck

// Write implements io.Writer so a Context can be used directly as the
// destination of an io.Copy.
func (c *Context) Write(p []byte) (int, error) { return c.h.Write(p) }

// Finish returns the final Digest. The Context must not be reused afterwards.
func (c *Context) Finish() Digest {
	return Digest{Algorithm: c.alg, Bytes: c.h.Sum(nil)}
}

// Sum computes a one-shot digest of b with the given algorithm.
func Sum(alg Algorithm, b []byte) (Digest, error) {
	ctx, err := NewContext(alg)
	if err != nil {
		return Digest{}, err
	}

	ctx.Update(b)

	return ctx.Finish(), nil
}

// HashSink wraps an io.Writer (or is used standalone via Write) and hashes
// every byte that passes through it, tracking the total byte count, so a
// stream can be hashed and measured while it is copied without buffering it.
type HashSink struct {
	ctx   *Context
	total int64
	w     io.Writer // optional pass-through destination
}

// NewHashSink returns a HashSink for alg. If w is non-nil, every Write is
// forwarded to w after being hashed.
func NewHashSink(alg Algorithm, w io.Writer) (*HashSink, error) {
	ctx, err := NewContext(alg)
	if err != nil {
		return nil, err
	}

	return &HashSink{ctx: ctx, w: w}, nil
}

// Write implements io.Writer, hashing p and, if configured, forwarding it.
func (s *HashSink) Write(p []byte) (int, error) {
	s.ctx.Update(p)
	s.total += int64(len(p))

	if s.w != nil {
		return s.w.Write(p)
	}

	return len(p), nil
}

// Finish returns the total number of bytes written and the final digest.
func (s *HashSink) Finish() (int64, Digest) {
	return s.total, s.ctx.Finish()
}

// Parse decodes a printed hash. algHint, if non-empty, is used when the
// string carries no explicit "<algo>:" or "<algo>-" prefix. Accepted forms:
//
//	sha256:1b8d2...                (Base16, with algo prefix and colon)
//	sha256:0w4fz...                (NixBase32, with algo prefix and colon)
//	sha256-AAAA...                 (SRI, algo prefix and dash, base64 payload)
//	1b8d2... / 0w4fz... / AAAA...  (bare digest, algHint required)
func Parse(s string, algHint Algorithm) (Digest, error) {
	alg := algHint

	payload := s

	if i := strings.IndexAny(s, ":-"); i >= 0 {
		if a := Algorithm(s[:i]); a == MD5 || a == SHA1 || a == SHA256 || a == SHA512 {
			alg = a
			payload = s[i+1:]
		}
	}

	if alg == "" {
		return Digest{}, fmt.Errorf("%w: no algorithm prefix and no hint given", ErrInvalidEncoding)
	}

	size, err := alg.size()
	if err != nil {
		return Digest{}, err
	}

	raw, err := decodePayload(payload, size)
	if err != nil {
		return Digest{}, err
	}

	if len(raw) != size {
		return Digest{}, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrLengthMismatch, alg, size, len(raw))
	}

	return Digest{Algorithm: alg, Bytes: raw}, nil
}

// decodePayload tries Base16, NixBase32 and Base64 in turn, using the
// expected raw byte size to disambiguate (NixBase32 and Base64 encoded
// lengths rarely collide with hex for real digest sizes).
func decodePayload(payload string, size int) ([]byte, error) {
	if len(payload) == size*2 {
		if raw, err := nixbase32.DecodeHex(payload); err == nil {
			return raw, nil
		}
	}

	if len(payload) == nixbase32.EncodedLen(size) {
		if raw, err := nixbase32.Decode(payload); err == nil {
			return raw, nil
		}
	}

	if raw, err := nixbase32.DecodeBase64(payload); err == nil {
		return raw, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, payload)
}
