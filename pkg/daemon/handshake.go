package daemon

import (
	"bufio"
	"errors"
	"fmt"
)

const (
	workerMagic1 = 0x6e697863
	workerMagic2 = 0x6478696f

	// protocolVersionMajor/Minor is the highest worker-protocol version this
	// client speaks; the negotiated version is the minimum of this and
	// whatever the server advertises.
	protocolVersionMajor = 1
	protocolVersionMinor = 38

	// minProtocolMinor is the floor below which the connection is refused:
	// the revision that puts ultimate/ca on the QueryPathInfo reply.
	minProtocolMinor = 21

	// versionStringMinor/trustedFlagMinor gate two optional post-handshake
	// fields the server only sends from these revisions onward.
	versionStringMinor = 33
	trustedFlagMinor   = 35
)

// ErrBadMagic is returned when the peer's handshake magic doesn't match the
// daemon protocol constant.
var ErrBadMagic = errors.New("daemon: bad handshake magic")

// ErrProtocolUnsupported is returned when the server's protocol version is
// older than minProtocolMinor.
var ErrProtocolUnsupported = errors.New("daemon: server protocol version unsupported")

// HandshakeInfo is what the client learns about the peer during the
// handshake: the negotiated protocol version plus whatever optional
// features the server chose to advertise.
type HandshakeInfo struct {
	ProtocolMajor int
	ProtocolMinor int
	Version       string // empty if the server predates versionStringMinor
	Trusted       bool
}

func packVersion(major, minor int) uint64 {
	return uint64(major)<<8 | uint64(minor&0xff)
}

func unpackVersion(v uint64) (major, minor int) {
	return int(v >> 8), int(v & 0xff)
}

// handshake performs the client side of the worker-protocol handshake:
// magic exchange, version negotiation, obsolete reservation fields, and the
// optional post-handshake feature fields. The caller does not need to flush
// w; handshake flushes internally at the points the protocol requires a
// round trip.
func handshake(r *bufio.Reader, w *bufio.Writer) (*HandshakeInfo, error) {
	if err := writeUint64(w, workerMagic1); err != nil {
		return nil, &ProtocolError{Op: "handshake write magic", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush magic", Err: err}
	}

	magic, err := readUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read magic", Err: err}
	}

	if magic != workerMagic2 {
		return nil, fmt.Errorf("%w: got %#x", ErrBadMagic, magic)
	}

	serverVersion, err := readUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "handshake read version", Err: err}
	}

	serverMajor, serverMinor := unpackVersion(serverVersion)
	if serverMajor != 1 || serverMinor < minProtocolMinor {
		return nil, fmt.Errorf("%w: server is protocol %d.%d, need >= 1.%d",
			ErrProtocolUnsupported, serverMajor, serverMinor, minProtocolMinor)
	}

	if err := writeUint64(w, packVersion(protocolVersionMajor, protocolVersionMinor)); err != nil {
		return nil, &ProtocolError{Op: "handshake write version", Err: err}
	}

	// Obsolete reservation fields, retained for wire compatibility: CPU
	// affinity (unused by modern daemons) and a reserved build-space size.
	if err := writeUint64(w, 0); err != nil {
		return nil, &ProtocolError{Op: "handshake write affinity", Err: err}
	}

	if err := writeUint64(w, 0); err != nil {
		return nil, &ProtocolError{Op: "handshake write reserve-space", Err: err}
	}

	if err := w.Flush(); err != nil {
		return nil, &ProtocolError{Op: "handshake flush reservation", Err: err}
	}

	// The effective version is the lower of the two sides' maxima; the
	// server applies the same rule with the version written above.
	negotiatedMinor := serverMinor
	if negotiatedMinor > protocolVersionMinor {
		negotiatedMinor = protocolVersionMinor
	}

	info := &HandshakeInfo{ProtocolMajor: serverMajor, ProtocolMinor: negotiatedMinor}

	if negotiatedMinor >= versionStringMinor {
		version, err := readString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read version string", Err: err}
		}

		info.Version = version
	}

	if negotiatedMinor >= trustedFlagMinor {
		trusted, err := readUint64(r)
		if err != nil {
			return nil, &ProtocolError{Op: "handshake read trusted flag", Err: err}
		}

		info.Trusted = trusted == 1
	}

	if err := ProcessStderr(r, negotiatedMinor, nil); err != nil {
		return nil, err
	}

	return info, nil
}
