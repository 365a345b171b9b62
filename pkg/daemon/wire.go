// Package daemon speaks the Nix daemon's worker protocol over a UNIX
// socket: length-prefixed little-endian integers, zero-padded strings, and
// framed stderr interleaved with every reply. wire.go holds the primitive
// encode/decode helpers everything else in the package is built from.
package daemon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxStringSize bounds any single length-prefixed string or array count this
// client will accept from the daemon, guarding against a corrupt stream
// driving an enormous allocation.
const MaxStringSize = 256 * 1024 * 1024

// ErrStringTooLong is returned when a daemon-advertised length exceeds MaxStringSize.
var ErrStringTooLong = errors.New("daemon: string exceeds maximum size")

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])

	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeBool(w io.Writer, b bool) error {
	var v uint64
	if b {
		v = 1
	}

	return writeUint64(w, v)
}

func readBool(r io.Reader) (bool, error) {
	v, err := readUint64(r)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// padLen returns how many zero bytes pad n up to the next 8-byte boundary.
func padLen(n uint64) int {
	rem := n % 8
	if rem == 0 {
		return 0
	}

	return 8 - int(rem)
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}

	if _, err := io.WriteString(w, s); err != nil {
		return err
	}

	if pad := padLen(uint64(len(s))); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}

	return nil
}

func readString(r io.Reader, maxSize uint64) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}

	if n > maxSize {
		return "", fmt.Errorf("%w: %d > %d", ErrStringTooLong, n, maxSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	if pad := padLen(n); pad > 0 {
		if _, err := io.ReadFull(r, make([]byte, pad)); err != nil {
			return "", err
		}
	}

	return string(buf), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := writeUint64(w, uint64(len(ss))); err != nil {
		return err
	}

	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}

	return nil
}

func readStrings(r io.Reader, maxSize uint64) ([]string, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	if n > maxSize {
		return nil, fmt.Errorf("%w: array count %d > %d", ErrStringTooLong, n, maxSize)
	}

	ss := make([]string, n)

	for i := range ss {
		s, err := readString(r, maxSize)
		if err != nil {
			return nil, err
		}

		ss[i] = s
	}

	return ss, nil
}
