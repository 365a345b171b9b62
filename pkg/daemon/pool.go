package daemon

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/numtide/harmonia/pkg/circuitbreaker"
)

// ErrPoolClosed is returned by Acquire once the pool has started draining.
var ErrPoolClosed = errors.New("daemon: pool is closed")

// ErrAcquireTimeout is returned when a caller waits for a free connection
// longer than its context allows.
var ErrAcquireTimeout = errors.New("daemon: timed out waiting for a connection")

// ErrDaemonUnavailable is returned when the dial circuit breaker is open:
// enough consecutive dial or handshake failures that the pool stops
// hammering the socket until the breaker's cooldown elapses.
var ErrDaemonUnavailable = errors.New("daemon: daemon unavailable, not dialing")

// PoolConfig configures a Pool.
type PoolConfig struct {
	// SocketPath is the nix-daemon UNIX socket to dial.
	SocketPath string
	// MaxConnections bounds how many connections the pool will open at once.
	MaxConnections int
	// IdleTTL is how long a connection may sit idle before Acquire health-checks
	// it with a cheap IsValidPath probe before handing it out.
	IdleTTL time.Duration
	// Logs, if non-nil, receives framed stderr log messages from every
	// connection the pool opens.
	Logs chan<- LogMessage
}

func (cfg *PoolConfig) setDefaults() {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}

	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 60 * time.Second
	}
}

// pooledConn wraps a conn with the bookkeeping Pool needs to decide whether
// to health-check, recycle, or discard it.
type pooledConn struct {
	id       uint64
	c        *conn
	dirty    bool
	lastUsed time.Time
}

// healthCheckPath is a syntactically valid, never-registered store path
// used purely to probe a connection's liveness; IsValidPath on an unknown
// path is a normal, side-effect-free "false" reply from any daemon.
const healthCheckPath = "/nix/store/0000000000000000000000000000000p-harmonia-healthcheck"

// Pool manages a bounded set of handshaken daemon connections with fair
// FIFO acquisition, idle health checks, dirty-connection eviction, and
// graceful draining. A circuit breaker on the dial path keeps a dead
// daemon socket from being hammered by every waiting request.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	idle    *list.List // of *pooledConn
	waiters *list.List // of chan *pooledConn
	total   int
	nextID  uint64
	closed  bool

	metrics *poolMetrics
	breaker *circuitbreaker.Breaker
}

// NewPool constructs a Pool. No connections are opened until Acquire is
// first called.
func NewPool(cfg PoolConfig) *Pool {
	cfg.setDefaults()

	return &Pool{
		cfg:     cfg,
		idle:    list.New(),
		waiters: list.New(),
		metrics: newPoolMetrics(),
		breaker: circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultCooldown),
	}
}

// Metrics returns the prometheus.Collector for this pool's connection
// metrics, for registration with a registry.
func (p *Pool) Metrics() *poolMetrics { return p.metrics }

// Acquire returns a connection, opening a new one if the pool is under
// capacity, recycling an idle one (health-checked if it has sat past
// IdleTTL), or waiting in FIFO order for a release. The caller must
// eventually call Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (*pooledConn, error) {
	start := time.Now()

	defer func() {
		p.metrics.acquireWait.Observe(time.Since(start).Seconds())
	}()

	for {
		p.mu.Lock()

		if p.closed {
			p.mu.Unlock()

			return nil, ErrPoolClosed
		}

		if pc := p.popIdleLocked(); pc != nil {
			p.mu.Unlock()

			if p.healthCheck(ctx, pc) {
				p.metrics.idle.Dec()
				p.metrics.active.Inc()

				return pc, nil
			}

			p.metrics.idle.Dec()
			p.discard(pc)

			continue
		}

		if p.total < p.cfg.MaxConnections {
			p.total++
			p.mu.Unlock()

			if !p.breaker.Allow() {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()

				return nil, ErrDaemonUnavailable
			}

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.metrics.errors.Inc()
				p.breaker.Failure()

				return nil, err
			}

			p.breaker.Success()
			p.metrics.created.Inc()
			p.metrics.active.Inc()

			return pc, nil
		}

		ch := make(chan *pooledConn, 1)
		elem := p.waiters.PushBack(ch)
		p.mu.Unlock()

		select {
		case pc, ok := <-ch:
			if !ok || pc == nil {
				return nil, ErrPoolClosed
			}

			p.metrics.active.Inc()

			return pc, nil

		case <-ctx.Done():
			p.mu.Lock()
			p.waiters.Remove(elem)
			p.mu.Unlock()

			return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
		}
	}
}

// Release returns pc to the pool. dirty must be true if anything about the
// connection's use makes its internal state suspect (a cancelled op, an
// I/O error, a STDERR_ERROR reply); such connections are closed rather than
// recycled.
func (p *Pool) Release(pc *pooledConn, dirty bool) {
	p.metrics.active.Dec()

	pc.dirty = dirty

	p.mu.Lock()

	if p.closed || pc.dirty {
		p.mu.Unlock()
		p.discard(pc)

		return
	}

	if elem := p.waiters.Front(); elem != nil {
		ch := p.waiters.Remove(elem).(chan *pooledConn)
		p.mu.Unlock()
		// The receiving Acquire call accounts for active.Inc() itself once
		// it takes delivery; this handoff never touches the idle gauge.
		ch <- pc

		return
	}

	pc.lastUsed = time.Now()
	p.idle.PushBack(pc)
	p.metrics.idle.Inc()
	p.mu.Unlock()
}

// Close drains the pool: pending and future waiters get ErrPoolClosed,
// idle connections are closed immediately, and connections still checked
// out are closed as they're Released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true

	for e := p.idle.Front(); e != nil; e = e.Next() {
		pc := e.Value.(*pooledConn)
		pc.c.close() //nolint:errcheck
	}

	p.idle.Init()

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		ch := e.Value.(chan *pooledConn)
		close(ch)
	}

	p.waiters.Init()
	p.mu.Unlock()

	return nil
}

func (p *Pool) popIdleLocked() *pooledConn {
	e := p.idle.Front()
	if e == nil {
		return nil
	}

	p.idle.Remove(e)

	return e.Value.(*pooledConn)
}

// discard closes pc and releases its pool capacity slot. Used for both
// dirty connections returned via Release and idle connections that fail
// their health check in Acquire.
func (p *Pool) discard(pc *pooledConn) {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	pc.c.close() //nolint:errcheck
}

func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	c, err := dialConn(ctx, p.cfg.SocketPath, p.cfg.Logs)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	return &pooledConn{id: id, c: c, lastUsed: time.Now()}, nil
}

// healthCheck returns false (and lets the caller drop the connection) if pc
// has been idle past IdleTTL and fails a cheap probe.
func (p *Pool) healthCheck(ctx context.Context, pc *pooledConn) bool {
	if time.Since(pc.lastUsed) < p.cfg.IdleTTL {
		return true
	}

	_, err := pc.c.isValidPath(ctx, healthCheckPath)

	return err == nil
}
