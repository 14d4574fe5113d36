package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

var _ = Describe("Manager", func() {
	var primary, secondary *miniredis.Miniredis
	var managers []*Manager
	var ctx context.Context

	newManager := func(cfg *Config) *Manager {
		m, err := NewManager(cfg, zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		managers = append(managers, m)
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		managers = nil
		primary = startServer()
		secondary = startServer()
	})

	AfterEach(func() {
		for _, m := range managers {
			Expect(m.Close()).To(Succeed())
		}
		primary.Close()
		secondary.Close()
	})

	It("rejects an empty config", func() {
		_, err := NewManager(nil, zerolog.Nop())
		Expect(err).To(HaveOccurred())
		_, err = NewManager(&Config{}, zerolog.Nop())
		Expect(err).To(HaveOccurred())
	})

	It("connects lazily", func() {
		m := newManager(&Config{Primary: primary.Addr()})
		Expect(m.State()).To(Equal(StateUninitialized))
		Expect(primary.TotalConnectionCount()).To(Equal(0))

		cn := m.GetConnection(ctx)
		Expect(cn).NotTo(BeNil())
		defer cn.Release(true)
		Expect(m.State()).To(Equal(StateReady))
		Expect(cn.Endpoint().Addr).To(Equal(primary.Addr()))
	})

	It("builds the pool once under concurrent callers", func() {
		m := newManager(&Config{Primary: primary.Addr(), Secondary: secondary.Addr()})
		var wg sync.WaitGroup
		errs := make(chan error, 32)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- m.EnsurePool(ctx)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
		stats := m.Stats()
		Expect(stats.Builds).To(Equal(int64(1)))
		Expect(stats.State).To(Equal(StateReady))
		Expect(stats.Addr).To(Equal(primary.Addr()))
		Expect(secondary.TotalConnectionCount()).To(Equal(0))
	})

	It("targets the secondary if the primary is unreachable", func() {
		m := newManager(&Config{Primary: deadAddr(), Secondary: secondary.Addr(), DialTimeout: time.Second})
		Expect(m.Init(ctx)).To(Succeed())
		for i := 0; i < 5; i++ {
			cn, err := m.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cn.Endpoint().Addr).To(Equal(secondary.Addr()))
			cn.Release(true)
		}
		Expect(m.Stats().Builds).To(Equal(int64(1)))
	})

	It("returns nothing if both endpoints are unreachable", func() {
		addr := deadAddr()
		m := newManager(&Config{Primary: addr, Secondary: deadAddr(), DialTimeout: time.Second})
		for i := 0; i < 3; i++ {
			Expect(m.GetConnection(ctx)).To(BeNil())
			Expect(m.State()).To(Equal(StateUninitialized))
		}
		_, err := m.Acquire(ctx)
		Expect(errors.Is(err, ErrEndpointUnreachable)).To(BeTrue())
		Expect(m.Stats().Builds).To(Equal(int64(0)))

		// the next call retries the build
		revived := miniredis.NewMiniRedis()
		Expect(revived.StartAddr(addr)).To(Succeed())
		defer revived.Close()
		Expect(m.EnsurePool(ctx)).To(Succeed())
		Expect(m.Stats().Addr).To(Equal(addr))
	})

	Describe("release", func() {
		var m *Manager

		BeforeEach(func() {
			m = newManager(&Config{Primary: primary.Addr(), MaxIdle: 2})
			Expect(m.Init(ctx)).To(Succeed())
		})

		It("keeps healthy conns for reuse", func() {
			cn, err := m.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Stats().InUse).To(Equal(1))
			idle := m.Stats().Idle

			m.ReleaseConnection(cn, true)
			Expect(m.Stats().Idle).To(Equal(idle + 1))
			Expect(m.Stats().InUse).To(Equal(0))

			again, err := m.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Client).To(BeIdenticalTo(cn.Client))
			again.Release(true)
		})

		It("discards broken conns", func() {
			cn, err := m.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			idle := m.Stats().Idle

			m.ReleaseConnection(cn, false)
			Expect(m.Stats().Idle).To(Equal(idle))
			Expect(m.Stats().InUse).To(Equal(0))
		})

		It("closes the socket of a discarded conn", func() {
			cn, err := m.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cn.Do(ctx, "MULTI").Err()).NotTo(HaveOccurred())
			Expect(primary.CurrentConnectionCount()).To(Equal(1))

			m.ReleaseConnection(cn, false)
			Eventually(primary.CurrentConnectionCount).Should(Equal(0))

			// the next lease starts outside of the transaction
			Expect(m.Set(ctx, "foo", "bar", 0).Val()).To(Equal("OK"))
			Expect(primary.Get("foo")).To(Equal("bar"))
		})

		It("ignores nil and repeated releases", func() {
			m.ReleaseConnection(nil, true)
			var nilConn *Conn
			nilConn.Release(true)

			cn, err := m.Acquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			cn.Release(true)
			cn.Release(true)
			m.ReleaseConnection(cn, false)
			Expect(m.Stats().Idle).To(Equal(1))
			Expect(m.Stats().InUse).To(Equal(0))
		})
	})

	It("reports exhaustion after MaxWait", func() {
		m := newManager(&Config{Primary: primary.Addr(), MaxTotal: 1, MaxWait: 100 * time.Millisecond})
		first, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())

		start := time.Now()
		_, err = m.Acquire(ctx)
		Expect(errors.Is(err, ErrPoolExhausted)).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically(">=", 90*time.Millisecond))
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		Expect(m.GetConnection(ctx)).To(BeNil())

		first.Release(true)
		cn, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		cn.Release(true)
	})

	It("bounds the whole lease wait by MaxWait", func() {
		m := newManager(&Config{Primary: primary.Addr(), MaxTotal: 1, MaxWait: 200 * time.Millisecond})
		first, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer first.Release(true)

		start := time.Now()
		Expect(m.GetConnection(ctx)).To(BeNil())
		Expect(time.Since(start)).To(BeNumerically("<", 350*time.Millisecond))
	})

	It("honors the caller context while waiting", func() {
		m := newManager(&Config{Primary: primary.Addr(), MaxTotal: 1, MaxWait: -1})
		first, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer first.Release(true)

		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = m.Acquire(waitCtx)
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
	})

	Describe("WithConn", func() {
		var m *Manager

		BeforeEach(func() {
			m = newManager(&Config{Primary: primary.Addr(), MaxTotal: 2, MaxIdle: 2})
		})

		It("releases on success", func() {
			err := m.WithConn(ctx, func(cn *Conn) error {
				return cn.Set(ctx, "foo", "bar", 0).Err()
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Stats().InUse).To(Equal(0))
			Expect(m.Stats().Idle).To(Equal(1))
		})

		It("keeps the conn after a reply error", func() {
			err := m.WithConn(ctx, func(cn *Conn) error {
				return cn.Get(ctx, "missing").Err()
			})
			Expect(err).To(HaveOccurred())
			Expect(m.Stats().Idle).To(Equal(1))
		})

		It("discards the conn after other errors", func() {
			boom := errors.New("boom")
			err := m.WithConn(ctx, func(cn *Conn) error {
				return boom
			})
			Expect(err).To(Equal(boom))
			Expect(m.Stats().Idle).To(Equal(0))
			Expect(m.Stats().InUse).To(Equal(0))
		})

		It("releases on panic", func() {
			Expect(func() {
				_ = m.WithConn(ctx, func(cn *Conn) error {
					panic("boom")
				})
			}).To(Panic())
			Expect(m.Stats().InUse).To(Equal(0))
			Expect(m.Stats().Idle).To(Equal(0))

			for i := 0; i < 2; i++ {
				cn, err := m.Acquire(ctx)
				Expect(err).NotTo(HaveOccurred())
				defer cn.Release(true)
			}
		})
	})

	It("rebuilds against the secondary after repeated failures", func() {
		m := newManager(&Config{
			Primary:      primary.Addr(),
			Secondary:    secondary.Addr(),
			DialTimeout:  200 * time.Millisecond,
			AutoRebuild:  true,
			FailureLimit: 2,
		})
		Expect(m.Set(ctx, "foo", "bar", 0).Err()).NotTo(HaveOccurred())
		Expect(m.Stats().Addr).To(Equal(primary.Addr()))

		primary.Close()
		Eventually(func() string {
			_ = m.Set(ctx, "foo", "baz", 0).Err()
			return m.Stats().Addr
		}, "5s", "20ms").Should(Equal(secondary.Addr()))
		Expect(m.Stats().Builds).To(Equal(int64(2)))
		Expect(m.Set(ctx, "foo", "baz", 0).Err()).NotTo(HaveOccurred())
		Expect(secondary.Get("foo")).To(Equal("baz"))
	})

	It("doesn't count caller deadlines as endpoint failures", func() {
		m := newManager(&Config{
			Primary:      primary.Addr(),
			Secondary:    secondary.Addr(),
			MaxTotal:     Unbounded,
			MaxIdle:      1,
			AutoRebuild:  true,
			FailureLimit: 2,
		})
		Expect(m.Init(ctx)).To(Succeed())

		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()
		for i := 0; i < 3; i++ {
			Expect(m.Get(expired, "foo").Err()).To(HaveOccurred())
		}
		Expect(m.State()).To(Equal(StateReady))
		Expect(m.backend.Load().failureCount).To(Equal(int32(0)))
		Expect(m.Stats().Builds).To(Equal(int64(1)))
		Expect(m.Stats().Addr).To(Equal(primary.Addr()))
	})

	It("stays on the failed endpoint without auto rebuild", func() {
		m := newManager(&Config{Primary: primary.Addr(), Secondary: secondary.Addr(), DialTimeout: 200 * time.Millisecond})
		Expect(m.Init(ctx)).To(Succeed())
		primary.Close()
		for i := 0; i < 5; i++ {
			Expect(m.Set(ctx, "foo", "bar", 0).Err()).To(HaveOccurred())
		}
		Expect(m.State()).To(Equal(StateReady))
		Expect(m.Stats().Addr).To(Equal(primary.Addr()))
	})

	It("refuses leases once closed", func() {
		m := newManager(&Config{Primary: primary.Addr()})
		cn, err := m.Acquire(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Close()).To(Succeed())
		Expect(m.State()).To(Equal(StateClosed))

		_, err = m.Acquire(ctx)
		Expect(err).To(Equal(ErrPoolClosed))
		Expect(m.EnsurePool(ctx)).To(Equal(ErrPoolClosed))
		Expect(m.GetConnection(ctx)).To(BeNil())
		cn.Release(true)
	})

	It("names its states", func() {
		Expect(StateUninitialized.String()).To(Equal("uninitialized"))
		Expect(StateInitializing.String()).To(Equal("initializing"))
		Expect(StateReady.String()).To(Equal("ready"))
		Expect(StateDegraded.String()).To(Equal("degraded"))
		Expect(StateClosed.String()).To(Equal("closed"))
		Expect(State(42).String()).To(Equal("unknown"))
	})
})
