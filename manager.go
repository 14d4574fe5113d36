package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the manager and its current pool.
type Stats struct {
	State  State
	Addr   string // address of the endpoint in use, empty if none
	Builds int64  // number of pools built so far
	Idle   int
	InUse  int
}

// Manager owns the connection pool. The pool is built lazily against the
// primary endpoint, or the secondary one if that fails, and at most once
// until it is closed or rebuilt after repeated failures.
type Manager struct {
	cfg     *Config
	log     zerolog.Logger
	factory *failoverConnFactory

	mu      sync.Mutex
	state   int32
	backend atomic.Pointer[backend]
	builds  int64
}

// Conn is a connection leased from a Manager. It must be handed back with
// Release or Manager.ReleaseConnection once the caller is done with it.
type Conn struct {
	*redis.Client

	backend  *backend
	released int32
}

// NewManager validates the config and returns a manager that has not
// connected yet. Call Init to connect eagerly.
func NewManager(cfg *Config, log zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("manager cfg shouldn't be empty")
	}
	if err := cfg.init(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg: cfg,
		log: log,
	}
	m.factory = newFailoverConnFactory(cfg, log)
	if cfg.AutoRebuild {
		m.factory.onUnhealthy = m.markDegraded
	}
	return m, nil
}

// Init builds the pool eagerly.
func (m *Manager) Init(ctx context.Context) error {
	return m.EnsurePool(ctx)
}

// EnsurePool builds the pool if there is none. Concurrent callers wait for
// a single build. On failure the pool stays unset and the next call retries.
func (m *Manager) EnsurePool(ctx context.Context) error {
	_, err := m.ensurePool(ctx)
	return err
}

func (m *Manager) ensurePool(ctx context.Context) (*backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateClosed:
		return nil, ErrPoolClosed
	case StateReady:
		return m.backend.Load(), nil
	case StateDegraded:
		if old := m.backend.Swap(nil); old != nil {
			m.log.Warn().Str("addr", old.endpoint.Addr).Msg("Rebuilding the redis pool after repeated failures")
			old.close()
		}
	}

	m.setState(StateInitializing)
	b, err := m.factory.build(ctx)
	if err != nil {
		m.setState(StateUninitialized)
		return nil, err
	}
	m.backend.Store(b)
	atomic.AddInt64(&m.builds, 1)
	m.setState(StateReady)
	m.log.Info().Str("addr", b.endpoint.Addr).Msg("Redis pool is ready")
	return b, nil
}

// Acquire leases a connection from the pool, building it first if needed.
// The error is ErrPoolExhausted if no lease was available within MaxWait,
// ErrEndpointUnreachable if no endpoint could be reached, ErrPoolClosed
// after Close, or the context error.
func (m *Manager) Acquire(ctx context.Context) (*Conn, error) {
	b, err := m.ensurePool(ctx)
	if err != nil {
		return nil, err
	}
	cn, err := b.borrow(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{Client: cn, backend: b}, nil
}

// GetConnection is Acquire with every failure logged and folded into a
// nil result.
func (m *Manager) GetConnection(ctx context.Context) *Conn {
	cn, err := m.Acquire(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to get a redis connection")
		return nil
	}
	return cn
}

// ReleaseConnection hands cn back to its pool. ok reports whether the
// caller's use of cn went well; if not, cn's socket is closed instead of
// being kept for reuse, so no session state like an open MULTI leaks into
// a later lease.
func (m *Manager) ReleaseConnection(cn *Conn, ok bool) {
	if cn == nil {
		return
	}
	if !ok {
		m.log.Error().Str("addr", cn.backend.endpoint.Addr).Msg("Discarding a broken redis connection")
	}
	cn.Release(ok)
}

// WithConn runs fn with a leased connection and releases it on every exit
// path. The conn is kept for reuse if fn returns nil or a server reply
// error, and discarded otherwise or if fn panics.
func (m *Manager) WithConn(ctx context.Context, fn func(cn *Conn) error) (err error) {
	cn, err := m.Acquire(ctx)
	if err != nil {
		return err
	}

	ok := false
	defer func() {
		m.ReleaseConnection(cn, ok)
	}()
	err = fn(cn)
	ok = err == nil || isRedisError(err)
	return err
}

// Close closes the pool. Leases still out are discarded when released.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() == StateClosed {
		return nil
	}
	m.setState(StateClosed)
	if b := m.backend.Swap(nil); b != nil {
		b.close()
	}
	return nil
}

func (m *Manager) State() State {
	return State(atomic.LoadInt32(&m.state))
}

func (m *Manager) Stats() Stats {
	stats := Stats{
		State:  m.State(),
		Builds: atomic.LoadInt64(&m.builds),
	}
	if b := m.backend.Load(); b != nil {
		stats.Addr = b.endpoint.Addr
		stats.Idle = b.idleCount()
		stats.InUse = int(atomic.LoadInt32(&b.inUse))
	}
	return stats
}

func (m *Manager) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
}

// markDegraded is called from the failure hooks of a backend, so it must
// not take m.mu.
func (m *Manager) markDegraded(b *backend) {
	if m.backend.Load() != b {
		return
	}
	if atomic.CompareAndSwapInt32(&m.state, int32(StateReady), int32(StateDegraded)) {
		m.log.Warn().Str("addr", b.endpoint.Addr).Int32("failures", atomic.LoadInt32(&b.failureCount)).
			Msg("Redis pool is degraded")
	}
}

// Endpoint returns the endpoint the conn is connected to.
func (cn *Conn) Endpoint() Endpoint {
	return cn.backend.endpoint
}

// Release hands the conn back to its pool, see Manager.ReleaseConnection.
// Releasing a nil or already released conn is a no-op.
func (cn *Conn) Release(ok bool) {
	if cn == nil || !atomic.CompareAndSwapInt32(&cn.released, 0, 1) {
		return
	}
	cn.backend.release(cn.Client, ok)
}
