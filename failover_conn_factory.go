package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// failoverConnFactory builds a backend against the primary endpoint and
// falls back to the secondary one if that fails.
type failoverConnFactory struct {
	cfg *Config
	log zerolog.Logger

	// onUnhealthy is handed to every backend built by the factory
	onUnhealthy func(b *backend)
}

func newFailoverConnFactory(cfg *Config, log zerolog.Logger) *failoverConnFactory {
	return &failoverConnFactory{
		cfg: cfg,
		log: log,
	}
}

func (factory *failoverConnFactory) build(ctx context.Context) (*backend, error) {
	var errs []error
	for i, endpoint := range factory.cfg.endpoints() {
		b, err := factory.connect(ctx, endpoint)
		if err == nil {
			if i > 0 {
				factory.log.Warn().Str("addr", endpoint.Addr).Msg("Connected to the secondary endpoint")
			}
			return b, nil
		}
		factory.log.Error().Err(err).Str("addr", endpoint.Addr).Int("attempt", i+1).Msg("Failed to create the redis pool")
		errs = append(errs, fmt.Errorf("%s: %w", endpoint.Addr, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrEndpointUnreachable, errors.Join(errs...))
}

func (factory *failoverConnFactory) connect(ctx context.Context, endpoint Endpoint) (*backend, error) {
	b := newBackend(endpoint, factory.cfg)
	b.onUnhealthy = factory.onUnhealthy

	dialCtx, cancel := context.WithTimeout(ctx, endpoint.DialTimeout)
	defer cancel()
	cli, err := b.dial(dialCtx)
	if err != nil {
		return nil, err
	}
	if !b.keep(cli) {
		_ = cli.Close()
	}
	return b, nil
}

// backend is the live pool against a single endpoint. Every lease is a
// go-redis client of its own holding at most one socket, so discarding a
// lease closes that socket and no per-conn state outlives it. Leases handed
// back in good state are kept in idle.
type backend struct {
	endpoint     Endpoint
	options      redis.Options
	sem          *semaphore.Weighted // nil if the lease count is unbounded
	maxIdle      int
	maxWait      time.Duration
	testOnBorrow bool
	failureLimit int32

	failureCount int32
	inUse        int32
	onUnhealthy  func(b *backend)

	mu     sync.Mutex
	idle   []*redis.Client
	closed bool
}

func newBackend(endpoint Endpoint, cfg *Config) *backend {
	b := &backend{
		endpoint: endpoint,
		options: redis.Options{
			Addr:                  endpoint.Addr,
			Password:              endpoint.Password,
			DB:                    endpoint.DB,
			DialTimeout:           endpoint.DialTimeout,
			PoolSize:              1,
			MaxIdleConns:          1,
			ContextTimeoutEnabled: true,
		},
		maxIdle:      cfg.MaxIdle,
		maxWait:      cfg.MaxWait,
		testOnBorrow: cfg.TestOnBorrow,
		failureLimit: cfg.FailureLimit,
	}
	if cfg.MaxTotal > 0 {
		b.sem = semaphore.NewWeighted(int64(cfg.MaxTotal))
	}
	return b
}

// dial opens a new lease and checks it with a PING.
func (b *backend) dial(ctx context.Context) (*redis.Client, error) {
	options := b.options
	cli := redis.NewClient(&options)
	cli.AddHook(newFailureHook(b))
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

func (b *backend) onFailure() {
	n := atomic.AddInt32(&b.failureCount, 1)
	if n >= b.failureLimit && b.onUnhealthy != nil {
		b.onUnhealthy(b)
	}
}

func (b *backend) onSuccess() {
	atomic.StoreInt32(&b.failureCount, 0)
}

// borrow waits at most maxWait for a free lease slot. Opening the lease
// afterwards is bounded by the dial timeout and ctx only.
func (b *backend) borrow(ctx context.Context) (*redis.Client, error) {
	if b.sem != nil {
		waitCtx, cancel := waitContext(ctx, b.maxWait)
		err := b.sem.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrPoolExhausted
		}
	}

	cli, err := b.take(ctx)
	if err != nil {
		if b.sem != nil {
			b.sem.Release(1)
		}
		return nil, err
	}
	atomic.AddInt32(&b.inUse, 1)
	return cli, nil
}

func (b *backend) take(ctx context.Context) (*redis.Client, error) {
	for {
		cli, err := b.popIdle()
		if err != nil {
			return nil, err
		}
		if cli == nil {
			break
		}
		if !b.testOnBorrow || cli.Ping(ctx).Err() == nil {
			return cli, nil
		}
		_ = cli.Close()
	}

	cli, err := b.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrEndpointUnreachable, b.endpoint.Addr, err)
	}
	return cli, nil
}

func (b *backend) popIdle() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrPoolClosed
	}
	n := len(b.idle)
	if n == 0 {
		return nil, nil
	}
	// LIFO keeps the most recently used conns warm
	cli := b.idle[n-1]
	b.idle[n-1] = nil
	b.idle = b.idle[:n-1]
	return cli, nil
}

// keep adds cli to idle if the backend is open and has room for it.
func (b *backend) keep(cli *redis.Client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.idle) >= b.maxIdle {
		return false
	}
	b.idle = append(b.idle, cli)
	return true
}

func (b *backend) release(cli *redis.Client, ok bool) {
	atomic.AddInt32(&b.inUse, -1)
	if b.sem != nil {
		defer b.sem.Release(1)
	}
	if ok && b.keep(cli) {
		return
	}
	_ = cli.Close()
}

func (b *backend) idleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.idle)
}

// close closes the idle leases. The ones still out are closed on release.
func (b *backend) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	idle := b.idle
	b.idle = nil
	b.mu.Unlock()

	for _, cli := range idle {
		_ = cli.Close()
	}
}
