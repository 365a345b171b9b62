//nolint:testpackage
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numtide/harmonia/pkg/nar"
	"github.com/numtide/harmonia/testhelper"
)

// fakeDaemon is an in-process nix-daemon good enough for the operations the
// cache issues: it speaks the handshake, drains requests, and answers from
// fixed in-memory fixtures.
type fakeDaemon struct {
	t *testing.T

	ln    net.Listener
	minor int

	badMagic atomic.Bool

	mu        sync.Mutex
	paths     map[string]*PathInfo
	hashParts map[string]string
	nars      map[string][]byte
	failNext  bool

	dials    atomic.Int64
	open     atomic.Int64
	peakOpen atomic.Int64
}

func newFakeDaemon(t *testing.T, minor int) *fakeDaemon {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")

	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	d := &fakeDaemon{
		t:         t,
		ln:        ln,
		minor:     minor,
		paths:     make(map[string]*PathInfo),
		hashParts: make(map[string]string),
		nars:      make(map[string][]byte),
	}

	go d.acceptLoop()

	t.Cleanup(func() { ln.Close() })

	return d
}

func (d *fakeDaemon) socketPath() string { return d.ln.Addr().String() }

func (d *fakeDaemon) addPath(path string, info *PathInfo, narBytes []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paths[path] = info

	base := filepath.Base(path)
	d.hashParts[base[:32]] = path

	if narBytes != nil {
		d.nars[path] = narBytes
	}
}

func (d *fakeDaemon) failNextOp() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failNext = true
}

func (d *fakeDaemon) acceptLoop() {
	for {
		c, err := d.ln.Accept()
		if err != nil {
			return
		}

		d.dials.Add(1)

		open := d.open.Add(1)
		for {
			peak := d.peakOpen.Load()
			if open <= peak || d.peakOpen.CompareAndSwap(peak, open) {
				break
			}
		}

		go func() {
			defer d.open.Add(-1)
			defer c.Close()
			d.handleConn(c)
		}()
	}
}

//nolint:errcheck
func (d *fakeDaemon) handleConn(c net.Conn) {
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)

	magic, err := readUint64(r)
	if err != nil || magic != workerMagic1 {
		return
	}

	if d.badMagic.Load() {
		writeUint64(w, 0xbadbadbad)
		w.Flush()

		return
	}

	writeUint64(w, workerMagic2)
	writeUint64(w, packVersion(1, d.minor))
	w.Flush()

	clientVersion, err := readUint64(r)
	if err != nil {
		return
	}

	_, clientMinor := unpackVersion(clientVersion)

	negotiated := d.minor
	if clientMinor < negotiated {
		negotiated = clientMinor
	}

	// Obsolete affinity and reserve-space fields.
	if _, err := readUint64(r); err != nil {
		return
	}

	if _, err := readUint64(r); err != nil {
		return
	}

	if negotiated >= versionStringMinor {
		writeString(w, "2.18.1")
	}

	if negotiated >= trustedFlagMinor {
		writeUint64(w, 1)
	}

	writeUint64(w, stderrLast)
	w.Flush()

	for {
		if err := d.handleOp(r, w, negotiated); err != nil {
			return
		}
	}
}

//nolint:errcheck
func (d *fakeDaemon) handleOp(r *bufio.Reader, w *bufio.Writer, negotiated int) error {
	op, err := readUint64(r)
	if err != nil {
		return err
	}

	d.mu.Lock()
	fail := d.failNext
	d.failNext = false
	d.mu.Unlock()

	switch Operation(op) {
	case OpIsValidPath:
		path, err := readString(r, MaxStringSize)
		if err != nil {
			return err
		}

		if fail {
			d.writeError(w, negotiated)

			return w.Flush()
		}

		d.mu.Lock()
		_, ok := d.paths[path]
		d.mu.Unlock()

		writeUint64(w, stderrLast)
		writeBool(w, ok)

	case OpQueryPathFromHashPart:
		hashPart, err := readString(r, MaxStringSize)
		if err != nil {
			return err
		}

		d.mu.Lock()
		path := d.hashParts[hashPart]
		d.mu.Unlock()

		writeUint64(w, stderrLast)
		writeString(w, path)

	case OpQueryPathInfo:
		path, err := readString(r, MaxStringSize)
		if err != nil {
			return err
		}

		if fail {
			d.writeError(w, negotiated)

			return w.Flush()
		}

		d.mu.Lock()
		info := d.paths[path]
		d.mu.Unlock()

		writeUint64(w, stderrLast)

		if info == nil {
			writeBool(w, false)

			break
		}

		writeBool(w, true)
		writeString(w, info.Deriver)
		writeString(w, info.NarHash)
		writeStrings(w, info.References)
		writeUint64(w, uint64(info.RegistrationTime))
		writeUint64(w, info.NarSize)

		if negotiated >= ultimateCAMinor {
			writeBool(w, info.Ultimate)
			writeStrings(w, info.Sigs)
			writeString(w, info.CA)
		}

	case OpNarFromPath:
		path, err := readString(r, MaxStringSize)
		if err != nil {
			return err
		}

		d.mu.Lock()
		narBytes := d.nars[path]
		d.mu.Unlock()

		writeUint64(w, stderrLast)

		if negotiated >= framedNarMinMinor {
			for len(narBytes) > 0 {
				chunk := narBytes
				if len(chunk) > 16 {
					chunk = chunk[:16]
				}

				writeUint64(w, uint64(len(chunk)))
				w.Write(chunk)

				if pad := padLen(uint64(len(chunk))); pad > 0 {
					w.Write(make([]byte, pad))
				}

				narBytes = narBytes[len(chunk):]
			}

			writeUint64(w, 0)
		} else {
			w.Write(narBytes)
		}

	default:
		d.t.Errorf("fake daemon got unexpected op %d", op)

		return errors.New("unexpected op")
	}

	return w.Flush()
}

//nolint:errcheck
func (d *fakeDaemon) writeError(w *bufio.Writer, negotiated int) {
	writeUint64(w, stderrError)

	if negotiated < errorEncodingMinor {
		writeString(w, "injected failure")
		writeUint64(w, 1)

		return
	}

	writeString(w, "Error")
	writeUint64(w, 0)
	writeString(w, "Error")
	writeString(w, "injected failure")
	writeUint64(w, 0)
	writeUint64(w, 0)
}

func testStorePath(t *testing.T, name string) string {
	t.Helper()

	return "/nix/store/" + testhelper.MustRandNarInfoHash() + "-" + name
}

func testNarBytes(t *testing.T, content string) []byte {
	t.Helper()

	var buf bytes.Buffer

	require.NoError(t, nar.WriteArchive(&buf, nar.RegularNode{
		Size:    int64(len(content)),
		Content: strings.NewReader(content),
	}))

	return buf.Bytes()
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	t.Run("current protocol", func(t *testing.T) {
		t.Parallel()

		d := newFakeDaemon(t, protocolVersionMinor)

		c, err := dialConn(context.Background(), d.socketPath(), nil)
		require.NoError(t, err)

		defer c.close()

		assert.Equal(t, 1, c.info.ProtocolMajor)
		assert.Equal(t, protocolVersionMinor, c.info.ProtocolMinor)
		assert.Equal(t, "2.18.1", c.info.Version)
		assert.True(t, c.info.Trusted)
	})

	t.Run("older server wins negotiation", func(t *testing.T) {
		t.Parallel()

		d := newFakeDaemon(t, 30)

		c, err := dialConn(context.Background(), d.socketPath(), nil)
		require.NoError(t, err)

		defer c.close()

		assert.Equal(t, 30, c.info.ProtocolMinor)
		// 1.30 predates the version-string and trusted-flag fields.
		assert.Empty(t, c.info.Version)
		assert.False(t, c.info.Trusted)
	})

	t.Run("server below the supported floor", func(t *testing.T) {
		t.Parallel()

		d := newFakeDaemon(t, 20)

		_, err := dialConn(context.Background(), d.socketPath(), nil)
		assert.ErrorIs(t, err, ErrProtocolUnsupported)
	})

	t.Run("wrong magic", func(t *testing.T) {
		t.Parallel()

		d := newFakeDaemon(t, protocolVersionMinor)
		d.badMagic.Store(true)

		_, err := dialConn(context.Background(), d.socketPath(), nil)
		assert.ErrorIs(t, err, ErrBadMagic)
	})
}

func TestClientQueryOps(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t, protocolVersionMinor)

	path := testStorePath(t, "hello-2.12.1")
	refA := testStorePath(t, "glibc-2.38")
	refB := testStorePath(t, "zlib-1.3")

	info := &PathInfo{
		Deriver:          testStorePath(t, "hello-2.12.1.drv"),
		NarHash:          "sha256:" + testhelper.MustRandBase32NarHash(),
		References:       []string{refB, refA}, // daemon order, not sorted
		RegistrationTime: 1700000000,
		NarSize:          12345,
		Ultimate:         true,
		Sigs:             []string{"cache.example-1:c2ln"},
		CA:               "",
	}

	d.addPath(path, info, nil)

	cl := NewClient(PoolConfig{SocketPath: d.socketPath(), MaxConnections: 2})
	defer cl.Close()

	ctx := context.Background()

	t.Run("IsValidPath", func(t *testing.T) {
		valid, err := cl.IsValidPath(ctx, path)
		require.NoError(t, err)
		assert.True(t, valid)

		valid, err = cl.IsValidPath(ctx, testStorePath(t, "unknown-1.0"))
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("QueryPathFromHashPart", func(t *testing.T) {
		got, err := cl.QueryPathFromHashPart(ctx, filepath.Base(path)[:32])
		require.NoError(t, err)
		assert.Equal(t, path, got)

		got, err = cl.QueryPathFromHashPart(ctx, strings.Repeat("0", 32))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("QueryPathInfo preserves daemon field order", func(t *testing.T) {
		got, err := cl.QueryPathInfo(ctx, path)
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, info.Deriver, got.Deriver)
		assert.Equal(t, info.NarHash, got.NarHash)
		assert.Equal(t, []string{refB, refA}, got.References)
		assert.Equal(t, info.RegistrationTime, got.RegistrationTime)
		assert.Equal(t, info.NarSize, got.NarSize)
		assert.True(t, got.Ultimate)
		assert.Equal(t, info.Sigs, got.Sigs)
	})

	t.Run("QueryPathInfo for unknown path", func(t *testing.T) {
		got, err := cl.QueryPathInfo(ctx, testStorePath(t, "unknown-1.0"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestNarFromPath(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("some file content\n", 100)
	narBytes := testNarBytes(t, content)

	for name, minor := range map[string]int{
		"framed": protocolVersionMinor,
		"raw":    22,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := newFakeDaemon(t, minor)

			path := testStorePath(t, "hello-2.12.1")
			d.addPath(path, &PathInfo{NarSize: uint64(len(narBytes))}, narBytes)

			cl := NewClient(PoolConfig{SocketPath: d.socketPath(), MaxConnections: 1})
			defer cl.Close()

			rc, err := cl.NarFromPath(context.Background(), path)
			require.NoError(t, err)

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())

			assert.Equal(t, narBytes, got)

			// The cleanly-drained connection goes back to the pool: a second
			// stream must not dial again.
			rc, err = cl.NarFromPath(context.Background(), path)
			require.NoError(t, err)

			_, err = io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())

			assert.EqualValues(t, 1, d.dials.Load())
		})
	}
}

func TestNarFromPathAbandonedStreamIsDirty(t *testing.T) {
	t.Parallel()

	narBytes := testNarBytes(t, strings.Repeat("x", 4096))

	d := newFakeDaemon(t, protocolVersionMinor)

	path := testStorePath(t, "hello-2.12.1")
	d.addPath(path, &PathInfo{NarSize: uint64(len(narBytes))}, narBytes)

	cl := NewClient(PoolConfig{SocketPath: d.socketPath(), MaxConnections: 1})
	defer cl.Close()

	rc, err := cl.NarFromPath(context.Background(), path)
	require.NoError(t, err)

	// Read a prefix only, then abandon: the connection has unconsumed frames
	// and must not be reused.
	buf := make([]byte, 10)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	valid, err := cl.IsValidPath(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, valid)

	assert.EqualValues(t, 2, d.dials.Load(), "abandoned stream's connection was discarded")
}

func TestRemoteErrorSurfacesAndDirtiesConnection(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t, protocolVersionMinor)

	path := testStorePath(t, "hello-2.12.1")
	d.addPath(path, &PathInfo{NarSize: 1}, nil)

	cl := NewClient(PoolConfig{SocketPath: d.socketPath(), MaxConnections: 1})
	defer cl.Close()

	d.failNextOp()

	_, err := cl.QueryPathInfo(context.Background(), path)

	var remErr *RemoteError

	require.ErrorAs(t, err, &remErr)
	assert.Equal(t, "injected failure", remErr.Message)

	// The failed connection is not reused.
	info, err := cl.QueryPathInfo(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.EqualValues(t, 2, d.dials.Load())
}

func TestPoolBoundsUnderLoad(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t, protocolVersionMinor)

	path := testStorePath(t, "hello-2.12.1")
	d.addPath(path, &PathInfo{NarSize: 1}, nil)

	const maxConns = 2

	cl := NewClient(PoolConfig{SocketPath: d.socketPath(), MaxConnections: maxConns})
	defer cl.Close()

	var g sync.WaitGroup

	errs := make(chan error, 100)

	for i := 0; i < 100; i++ {
		g.Add(1)

		go func() {
			defer g.Done()

			valid, err := cl.IsValidPath(context.Background(), path)
			if err == nil && !valid {
				err = errors.New("expected path to be valid")
			}

			errs <- err
		}()
	}

	g.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, d.peakOpen.Load(), int64(maxConns))
	assert.LessOrEqual(t, d.dials.Load(), int64(maxConns))
}

func TestAcquireTimesOutUnderExhaustion(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t, protocolVersionMinor)

	p := NewPool(PoolConfig{SocketPath: d.socketPath(), MaxConnections: 1})
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)

	p.Release(pc, false)
}

func TestReleaseHandsConnectionToWaiter(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t, protocolVersionMinor)

	p := NewPool(PoolConfig{SocketPath: d.socketPath(), MaxConnections: 1})
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *pooledConn, 1)

	go func() {
		pc2, err := p.Acquire(context.Background())
		if err != nil {
			got <- nil

			return
		}

		got <- pc2
	}()

	// Give the waiter time to enqueue, then release: the same connection
	// must be handed over rather than redialed.
	time.Sleep(50 * time.Millisecond)
	p.Release(pc, false)

	pc2 := <-got
	require.NotNil(t, pc2)
	assert.Same(t, pc, pc2)

	p.Release(pc2, false)
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestPoolCloseRejectsAcquire(t *testing.T) {
	t.Parallel()

	d := newFakeDaemon(t, protocolVersionMinor)

	p := NewPool(PoolConfig{SocketPath: d.socketPath(), MaxConnections: 1})
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestDialCircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	cl := NewClient(PoolConfig{
		SocketPath:     filepath.Join(t.TempDir(), "does-not-exist.sock"),
		MaxConnections: 1,
	})
	defer cl.Close()

	ctx := context.Background()

	// A failed dial is not retried by the client, so each call records one
	// breaker failure; after enough of them the breaker opens.
	for i := 0; i < 5; i++ {
		_, err := cl.IsValidPath(ctx, "/nix/store/00000000000000000000000000000000-x")
		require.Error(t, err)
	}

	_, err := cl.IsValidPath(ctx, "/nix/store/00000000000000000000000000000000-x")
	assert.ErrorIs(t, err, ErrDaemonUnavailable)
}
