package daemon

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/numtide/harmonia/pkg/lock"
)

// maxRetries bounds how many times an idempotent read operation re-dials a
// fresh connection after a connection-level failure.
const maxRetries = 2

// retryBackoff spaces retry attempts out with jittered exponential backoff,
// so a daemon restart isn't greeted by every in-flight request redialing at
// the same instant.
var retryBackoff = lock.RetryConfig{ //nolint:gochecknoglobals
	MaxAttempts:  maxRetries + 1,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Jitter:       true,
}

// backoffBeforeRetry sleeps for the attempt's backoff delay, or returns
// early with the context's error if it is cancelled first.
func backoffBeforeRetry(ctx context.Context, attempt int) error {
	delay := retryBackoff.Backoff(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is the logical handle the cache engine talks to: every method
// multiplexes onto Pool's bounded set of physical connections and, for the
// operations where it's safe, transparently retries once the pool hands it
// a fresh connection.
type Client struct {
	pool *Pool
}

// NewClient constructs a Client backed by a new Pool. No connection is
// opened until the first call.
func NewClient(cfg PoolConfig) *Client {
	return &Client{pool: NewPool(cfg)}
}

// Metrics returns the pool's prometheus.Collector.
func (cl *Client) Metrics() *poolMetrics { return cl.pool.Metrics() }

// Close drains the underlying pool.
func (cl *Client) Close() error { return cl.pool.Close() }

// isRetryable reports whether err reflects a connection-level failure (I/O,
// framing, handshake) as opposed to a well-formed application-level reply
// such as a *RemoteError, which retrying a fresh connection cannot fix.
func isRetryable(err error) bool {
	var protoErr *ProtocolError

	return errors.As(err, &protoErr)
}

// withConn acquires a connection, runs fn, and releases it, retrying on a
// fresh connection up to maxRetries times if fn's error is connection-level.
func (cl *Client) withConn(ctx context.Context, fn func(*conn) error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		pc, err := cl.pool.Acquire(ctx)
		if err != nil {
			return err
		}

		err = fn(pc.c)
		cl.pool.Release(pc, err != nil)

		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if err := backoffBeforeRetry(ctx, attempt+1); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// IsValidPath checks whether path exists and is registered in the store.
func (cl *Client) IsValidPath(ctx context.Context, path string) (bool, error) {
	var valid bool

	err := cl.withConn(ctx, func(c *conn) error {
		v, err := c.isValidPath(ctx, path)
		if err != nil {
			return err
		}

		valid = v

		return nil
	})

	return valid, err
}

// QueryPathFromHashPart resolves a 32-character NixBase32 hash part to its
// full store path, or "" if no such path is registered.
func (cl *Client) QueryPathFromHashPart(ctx context.Context, hashPart string) (string, error) {
	var path string

	err := cl.withConn(ctx, func(c *conn) error {
		p, err := c.queryPathFromHashPart(ctx, hashPart)
		if err != nil {
			return err
		}

		path = p

		return nil
	})

	return path, err
}

// QueryPathInfo returns the metadata for path, or nil if the daemon reports
// it invalid.
func (cl *Client) QueryPathInfo(ctx context.Context, path string) (*PathInfo, error) {
	var info *PathInfo

	err := cl.withConn(ctx, func(c *conn) error {
		i, err := c.queryPathInfo(ctx, path)
		if err != nil {
			return err
		}

		info = i

		return nil
	})

	return info, err
}

// QueryValidPaths returns the subset of paths that are valid. If
// substitute is true, the daemon may attempt substitution before replying.
func (cl *Client) QueryValidPaths(ctx context.Context, paths []string, substitute bool) ([]string, error) {
	var valid []string

	err := cl.withConn(ctx, func(c *conn) error {
		vs, err := c.queryValidPaths(ctx, paths, substitute)
		if err != nil {
			return err
		}

		valid = vs

		return nil
	})

	return valid, err
}

// NarFromPath streams the NAR serialization of path. The returned
// io.ReadCloser holds a pool connection until the caller reads it to
// completion or Closes it; a retry only happens if the connection fails
// before any NAR bytes are handed back, per the terminal-mid-stream rule.
func (cl *Client) NarFromPath(ctx context.Context, path string) (io.ReadCloser, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		pc, err := cl.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		rc, err := pc.c.narFromPath(ctx, path, func(dirty bool) { cl.pool.Release(pc, dirty) })
		if err != nil {
			cl.pool.Release(pc, true)
			lastErr = err

			if !isRetryable(err) {
				return nil, err
			}

			if err := backoffBeforeRetry(ctx, attempt+1); err != nil {
				return nil, lastErr
			}

			continue
		}

		return rc, nil
	}

	return nil, lastErr
}
