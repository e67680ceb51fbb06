// Package pool implements a bounded connection pool over protocol.Connection:
// LIFO idle reuse, an explicit FIFO waiter list for checkouts beyond
// maxConcurrent, per-slot idle-expiry timers, a min-idle warmer, optional
// validation-query gating, and graceful shutdown.
package pool

import (
	"context"
	"sync"
	"time"

	tdserr "github.com/ha1tch/aul/pkg/errors"
	"github.com/ha1tch/aul/pkg/log"
	"github.com/ha1tch/aul/protocol"
)

// Config describes the pool's sizing and lifecycle policy.
type Config struct {
	MaxConcurrent   int
	MinIdle         int
	IdleTimeout     time.Duration
	ValidationQuery string
}

// DefaultConfig returns a Config with the defaults from protocol.DefaultPoolConfig.
func DefaultConfig() Config {
	pc := protocol.DefaultPoolConfig()
	return Config{
		MaxConcurrent: pc.MaxConcurrent,
		MinIdle:       pc.MinIdle,
		IdleTimeout:   time.Duration(pc.IdleTimeoutS) * time.Second,
	}
}

// slot is one pool-managed connection: idle, leased, or in the process of
// closing. A connection is in exactly one of {idle, leased, closing} at a
// time, enforced by always removing it from idleList before leasing it.
type slot struct {
	conn      *protocol.Connection
	idleSince time.Time
	idleTimer *time.Timer
	broken    bool
}

// waiter is a blocked Checkout call waiting for a slot to free up.
type waiter struct {
	ch chan checkoutResult
}

type checkoutResult struct {
	slot *slot
	err  error
}

// Lease is a checked-out connection; the caller must call Release (directly,
// or implicitly via WithConnection) exactly once.
type Lease struct {
	pool *Pool
	slot *slot
}

// Conn returns the leased connection.
func (l *Lease) Conn() *protocol.Connection { return l.slot.conn }

// Release returns the connection to the pool. Passing broken=true (or the
// connection having already failed) causes the pool to close it instead of
// reusing it.
func (l *Lease) Release(broken bool) {
	l.pool.release(l.slot, broken)
}

// Pool is a bounded, LIFO-reuse connection pool for one target server.
type Pool struct {
	cfg     Config
	dial    func(ctx context.Context) (*protocol.Connection, error)
	lg      *log.Logger

	mu           sync.Mutex
	idle         []*slot // most-recently-released last; popped from the tail (LIFO)
	leasedCount  int
	warming      int // warmer dials in flight, counted against MinIdle
	waiters      []*waiter
	shuttingDown bool
	started      bool
}

// New constructs a Pool that dials new connections via dial.
func New(cfg Config, dial func(ctx context.Context) (*protocol.Connection, error)) *Pool {
	return &Pool{cfg: cfg, dial: dial, lg: log.Default()}
}

// Start warms the pool up to MinIdle connections. Safe to call once;
// subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	return p.ensureMinimumIdleConnections(ctx)
}

// ensureMinimumIdleConnections tops idle up to MinIdle, never exceeding
// MinIdle-len(idle) connections in flight at once, and never exceeding
// MaxConcurrent overall. If a warm-up creation races with Shutdown, the
// freshly dialed connection is closed immediately rather than pooled.
func (p *Pool) ensureMinimumIdleConnections(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return nil
		}
		need := p.cfg.MinIdle - len(p.idle) - p.warming
		total := p.leasedCount + len(p.idle)
		if need <= 0 || total >= p.cfg.MaxConcurrent {
			p.mu.Unlock()
			return nil
		}
		p.leasedCount++ // reserve the slot while we dial, so concurrent warmers don't overshoot
		p.warming++
		p.mu.Unlock()

		conn, err := p.dial(ctx)

		p.mu.Lock()
		p.leasedCount--
		p.warming--
		if err != nil {
			p.mu.Unlock()
			p.lg.Pool().Warn("min-idle warmer dial failed", "error", err)
			return err
		}
		if p.shuttingDown {
			p.mu.Unlock()
			conn.Close()
			return nil
		}
		p.pushIdleLocked(&slot{conn: conn, idleSince: time.Now()})
		p.mu.Unlock()
	}
}

// Checkout leases a connection: an idle one if available (LIFO), a newly
// dialed one if under MaxConcurrent, or it blocks on the FIFO waiter list
// until one is released. If cfg.ValidationQuery is set, the leased
// connection is validated before being handed back; a failed validation
// closes that connection, frees its slot, and retries the checkout once.
func (p *Pool) Checkout(ctx context.Context) (*Lease, error) {
	s, err := p.checkoutOnce(ctx)
	if err != nil {
		return nil, err
	}

	if p.cfg.ValidationQuery == "" {
		return &Lease{pool: p, slot: s}, nil
	}

	if _, err := s.conn.Query(ctx, p.cfg.ValidationQuery); err != nil {
		p.release(s, true)
		s, err = p.checkoutOnce(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := s.conn.Query(ctx, p.cfg.ValidationQuery); err != nil {
			p.release(s, true)
			return nil, tdserr.TransientError("validation query failed twice").WithCause(err).Err()
		}
	}

	return &Lease{pool: p, slot: s}, nil
}

func (p *Pool) checkoutOnce(ctx context.Context) (*slot, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, tdserr.PoolClosed().Err()
	}

	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		p.leasedCount++
		p.mu.Unlock()
		return s, nil
	}

	total := p.leasedCount + len(p.idle)
	if total < p.cfg.MaxConcurrent {
		p.leasedCount++
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.leasedCount--
			p.mu.Unlock()
			return nil, tdserr.TransientError(err.Error()).WithCause(err).Err()
		}
		return &slot{conn: conn, idleSince: time.Now()}, nil
	}

	w := &waiter{ch: make(chan checkoutResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.slot, res.err
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, tdserr.TimeoutErr("checkout").WithCause(ctx.Err()).Err()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// release returns s to the pool, or closes it if the pool is shutting down
// or the caller flagged it broken. A waiter, if one is queued, receives the
// connection (or a freshly dialed replacement, on close) directly without
// ever touching the idle list.
func (p *Pool) release(s *slot, broken bool) {
	p.mu.Lock()
	p.leasedCount--
	s.broken = broken

	if p.shuttingDown || broken {
		shuttingDown := p.shuttingDown
		var w *waiter
		if len(p.waiters) > 0 {
			w = p.waiters[0]
			p.waiters = p.waiters[1:]
		}
		p.mu.Unlock()

		s.conn.Close()
		p.lg.Pool().Debug("connection closed on release", "broken", broken, "shutting_down", shuttingDown)

		if w != nil && !shuttingDown {
			p.fulfillWaiterWithNewConnection(w)
		} else if w != nil {
			w.ch <- checkoutResult{err: tdserr.PoolClosed().Err()}
		} else if !shuttingDown {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				p.ensureMinimumIdleConnections(ctx)
			}()
		}
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- checkoutResult{slot: s}
		return
	}

	p.pushIdleLocked(s)
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.ensureMinimumIdleConnections(ctx)
	}()
}

func (p *Pool) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

func (p *Pool) fulfillWaiterWithNewConnection(w *waiter) {
	p.mu.Lock()
	p.leasedCount++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.leasedCount--
		p.mu.Unlock()
		w.ch <- checkoutResult{err: tdserr.TransientError(err.Error()).WithCause(err).Err()}
		return
	}
	w.ch <- checkoutResult{slot: &slot{conn: conn, idleSince: time.Now()}}
}

// pushIdleLocked adds s to the idle list and arms its expiry timer if
// IdleTimeout is set. Caller must hold p.mu.
func (p *Pool) pushIdleLocked(s *slot) {
	s.idleSince = time.Now()
	if p.cfg.IdleTimeout > 0 {
		s.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() { p.expireIdle(s) })
	}
	p.idle = append(p.idle, s)
}

func (p *Pool) expireIdle(target *slot) {
	p.mu.Lock()
	for i, s := range p.idle {
		if s == target {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.mu.Unlock()
			target.conn.Close()
			p.lg.Pool().Debug("idle connection expired", "idle_for", time.Since(target.idleSince))
			return
		}
	}
	p.mu.Unlock()
}

// WithConnection checks out a connection, runs fn with it, and releases it
// afterward — broken if fn returned a connection-closed-kind error.
func (p *Pool) WithConnection(ctx context.Context, fn func(*protocol.Connection) error) error {
	lease, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	err = fn(lease.Conn())
	lease.Release(err != nil && tdserr.GetKind(err) == tdserr.KindConnectionClosed)
	return err
}

// ShutdownGracefully flips the shutdown flag, fails every waiter with
// pool-closed, cancels idle timers, closes every idle connection, and
// returns once those closes complete. In-flight leased connections are
// left for their callers to Release (which will see shuttingDown and close
// them); ctx bounds how long to wait for idle connections to close.
func (p *Pool) ShutdownGracefully(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- checkoutResult{err: tdserr.PoolClosed().Err()}
	}

	var wg sync.WaitGroup
	for _, s := range idle {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			s.conn.Close()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return tdserr.TimeoutErr("pool shutdown").WithCause(ctx.Err()).Err()
	}
}

// Stats reports a point-in-time view of pool occupancy, for diagnostics.
type Stats struct {
	Leased  int
	Idle    int
	Waiters int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Leased: p.leasedCount, Idle: len(p.idle), Waiters: len(p.waiters)}
}
