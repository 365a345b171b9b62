package daemon

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// noDeadline clears a connection deadline previously set to break blocked I/O.
var noDeadline time.Time //nolint:gochecknoglobals

// conn is a single handshaken connection to the daemon. It is not safe for
// concurrent use by multiple callers at once; Pool is what multiplexes
// callers across a set of conns and serializes access to each.
type conn struct {
	rwc  net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	info *HandshakeInfo
	logs chan<- LogMessage

	mu sync.Mutex
}

func dialConn(ctx context.Context, socketPath string, logs chan<- LogMessage) (*conn, error) {
	var d net.Dialer

	rwc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, &ProtocolError{Op: "dial", Err: err}
	}

	c := &conn{
		rwc:  rwc,
		r:    bufio.NewReader(rwc),
		w:    bufio.NewWriter(rwc),
		logs: logs,
	}

	info, err := handshake(c.r, c.w)
	if err != nil {
		rwc.Close()

		return nil, err
	}

	c.info = info

	return c, nil
}

func (c *conn) close() error {
	return c.rwc.Close()
}

// lockForCtx registers a context-cancellation callback that sets a deadline
// on the connection to break blocked I/O, and returns the cancel/reset
// function the caller must invoke when the operation completes.
func (c *conn) lockForCtx(ctx context.Context) func() bool {
	c.mu.Lock()

	return context.AfterFunc(ctx, func() {
		c.rwc.SetDeadline(time.Now()) //nolint:errcheck
	})
}

func (c *conn) release(cancel func() bool) {
	cancel()
	c.rwc.SetDeadline(noDeadline) //nolint:errcheck
	c.mu.Unlock()
}

// doOp serializes one full request/response cycle: write the opcode, write
// the request payload, flush, drain framed stderr, then read the reply.
func (c *conn) doOp(
	ctx context.Context,
	op Operation,
	writeReq func(w *bufio.Writer) error,
	readResp func(r *bufio.Reader) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cancel := c.lockForCtx(ctx)
	defer c.release(cancel)

	if err := writeUint64(c.w, uint64(op)); err != nil {
		return &ProtocolError{Op: op.String() + " write op", Err: err}
	}

	if writeReq != nil {
		if err := writeReq(c.w); err != nil {
			return &ProtocolError{Op: op.String() + " write request", Err: err}
		}
	}

	if err := c.w.Flush(); err != nil {
		return &ProtocolError{Op: op.String() + " flush", Err: err}
	}

	if err := ProcessStderr(c.r, c.info.ProtocolMinor, c.logs); err != nil {
		return err
	}

	if readResp != nil {
		if err := readResp(c.r); err != nil {
			return &ProtocolError{Op: op.String() + " read response", Err: err}
		}
	}

	return nil
}

func (c *conn) isValidPath(ctx context.Context, path string) (bool, error) {
	var valid bool

	err := c.doOp(ctx, OpIsValidPath,
		func(w *bufio.Writer) error { return writeString(w, path) },
		func(r *bufio.Reader) error {
			v, err := readBool(r)
			if err != nil {
				return err
			}

			valid = v

			return nil
		},
	)

	return valid, err
}

func (c *conn) queryPathFromHashPart(ctx context.Context, hashPart string) (string, error) {
	var path string

	err := c.doOp(ctx, OpQueryPathFromHashPart,
		func(w *bufio.Writer) error { return writeString(w, hashPart) },
		func(r *bufio.Reader) error {
			s, err := readString(r, MaxStringSize)
			if err != nil {
				return err
			}

			path = s

			return nil
		},
	)

	return path, err
}

func (c *conn) queryPathInfo(ctx context.Context, path string) (*PathInfo, error) {
	var info *PathInfo

	err := c.doOp(ctx, OpQueryPathInfo,
		func(w *bufio.Writer) error { return writeString(w, path) },
		func(r *bufio.Reader) error {
			found, err := readBool(r)
			if err != nil {
				return err
			}

			if !found {
				return nil
			}

			info, err = readPathInfo(r, c.info.ProtocolMinor)

			return err
		},
	)

	return info, err
}

func (c *conn) queryValidPaths(ctx context.Context, paths []string, substitute bool) ([]string, error) {
	var valid []string

	err := c.doOp(ctx, OpQueryValidPaths,
		func(w *bufio.Writer) error {
			if err := writeStrings(w, paths); err != nil {
				return err
			}

			return writeBool(w, substitute)
		},
		func(r *bufio.Reader) error {
			ss, err := readStrings(r, MaxStringSize)
			if err != nil {
				return err
			}

			valid = ss

			return nil
		},
	)

	return valid, err
}

// narFromPath issues NarFromPath and returns a streaming reader over the
// raw NAR bytes. release is invoked exactly once, with dirty=true unless
// the stream was read to a clean end, when the returned reader is closed.
func (c *conn) narFromPath(ctx context.Context, path string, release func(dirty bool)) (*narStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cancel := c.lockForCtx(ctx)

	fail := func(op string, err error) (*narStream, error) {
		c.release(cancel)

		return nil, &ProtocolError{Op: op, Err: err}
	}

	if err := writeUint64(c.w, uint64(OpNarFromPath)); err != nil {
		return fail("NarFromPath write op", err)
	}

	if err := writeString(c.w, path); err != nil {
		return fail("NarFromPath write request", err)
	}

	if err := c.w.Flush(); err != nil {
		return fail("NarFromPath flush", err)
	}

	if err := ProcessStderr(c.r, c.info.ProtocolMinor, c.logs); err != nil {
		c.release(cancel)

		return nil, err
	}

	done := func(dirty bool) {
		c.release(cancel)
		release(dirty)
	}

	if c.info.ProtocolMinor >= framedNarMinMinor {
		return newFramedNarStream(c.r, done), nil
	}

	return newRawNarStream(c.r, done), nil
}
