package nar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the literal token every NAR begins with.
const Magic = "nix-archive-1"

// ErrTruncated is returned when the stream ends mid-token.
var ErrTruncated = errors.New("nar: truncated stream")

// ErrBadPadding is returned when the zero-padding bytes after a token are not
// actually zero. Padding that cannot be fully read yields ErrTruncated.
var ErrBadPadding = errors.New("nar: non-zero padding")

// padLen returns the number of zero bytes needed to round n up to a multiple of 8.
func padLen(n int64) int64 {
	r := n % 8
	if r == 0 {
		return 0
	}

	return 8 - r
}

// writeUint64 writes v as 8-byte little-endian.
func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	_, err := w.Write(buf[:])

	return err
}

// readUint64 reads an 8-byte little-endian integer.
func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: %w", ErrTruncated, err)
		}

		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// writeToken writes a length-prefixed, zero-padded byte token: the framing
// used for every string and byte blob in the NAR format.
func writeToken(w io.Writer, b []byte) error {
	if err := writeUint64(w, uint64(len(b))); err != nil {
		return err
	}

	if _, err := w.Write(b); err != nil {
		return err
	}

	pad := padLen(int64(len(b)))
	if pad == 0 {
		return nil
	}

	var zeros [8]byte

	_, err := w.Write(zeros[:pad])

	return err
}

// writeString writes s as a framed token.
func writeString(w io.Writer, s string) error { return writeToken(w, []byte(s)) }

// readToken reads a length-prefixed, zero-padded byte token. maxLen bounds
// how large a single token may declare itself, guarding against a hostile or
// corrupt peer requesting an unbounded allocation.
func readToken(r io.Reader, maxLen uint64) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	if n > maxLen {
		return nil, fmt.Errorf("nar: token length %d exceeds limit %d", n, maxLen)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	pad := padLen(int64(n))
	if pad > 0 {
		var zeros [8]byte

		if _, err := io.ReadFull(r, zeros[:pad]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
		}

		for _, z := range zeros[:pad] {
			if z != 0 {
				return nil, ErrBadPadding
			}
		}
	}

	return buf, nil
}

// maxTokenLen bounds string tokens (keywords, names, symlink targets). File
// content is read by Reader.parseRegular instead, which streams it in
// fixed-size chunks rather than buffering the whole declared size.
const maxTokenLen = 1 << 20

// readString reads a framed token as a string. It does not check that the
// bytes are valid UTF-8; entry names are checked separately by validateName.
func readString(r io.Reader) (string, error) {
	b, err := readToken(r, maxTokenLen)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// expectString reads a framed token and requires it equal want exactly.
func expectString(r io.Reader, want string) error {
	got, err := readString(r)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: expected %q, got %q", ErrMalformed, want, got)
	}

	return nil
}
