package protocol

import (
	"sync"
	"time"
)

// pipelineRef is a non-owning handle to a pipeline: the stall watchdog holds
// one of these rather than a direct *pipeline so that connection teardown
// can nil it out and the watchdog's own goroutine simply stops finding work
// to do, instead of keeping the pipeline alive past the connection's death.
type pipelineRef struct {
	mu sync.Mutex
	p  *pipeline
}

func newPipelineRef(p *pipeline) *pipelineRef {
	return &pipelineRef{p: p}
}

func (r *pipelineRef) get() *pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.p
}

func (r *pipelineRef) clear() {
	r.mu.Lock()
	r.p = nil
	r.mu.Unlock()
}

// stallWatchdog implements §4.E's escalation policy: while a head request is
// in progress and has received at least one token, a 2s-interval timer
// checks for silence on the wire and escalates through diagnostic snapshot,
// ATTENTION, and finally a forced timeout.
type stallWatchdog struct {
	ref    *pipelineRef
	conn   *Connection
	ticker *time.Ticker
	stop   chan struct{}
	stopOnce sync.Once

	lastTokenAt   time.Time
	stallStartAt  time.Time
	snapshotCount int
	attnSent      bool
}

func newStallWatchdog(ref *pipelineRef, conn *Connection) *stallWatchdog {
	return &stallWatchdog{ref: ref, conn: conn, stop: make(chan struct{})}
}

// run drives the watchdog loop; call it in its own goroutine. It returns
// once Stop is called or the pipeline reference is cleared.
func (w *stallWatchdog) run() {
	w.ticker = time.NewTicker(2 * time.Second)
	defer w.ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.ticker.C:
			p := w.ref.get()
			if p == nil {
				return
			}
			w.tick(p)
		}
	}
}

func (w *stallWatchdog) tick(p *pipeline) {
	active, tokensSeen, lastTokenAt := p.headActive()
	if !active || !tokensSeen {
		w.reset()
		return
	}

	// A token arrived since the last tick: the request is actively
	// streaming, not stalled, so the idle clock (and any escalation
	// already taken for a prior stall episode) starts over.
	if lastTokenAt.After(w.lastTokenAt) {
		w.reset()
		w.lastTokenAt = lastTokenAt
	}

	now := time.Now()
	if w.stallStartAt.IsZero() {
		w.stallStartAt = now
	}
	stalled := now.Sub(w.stallStartAt)

	limit := w.conn.cfg.StallSnapshotLimit
	if limit <= 0 {
		limit = 3
	}

	switch {
	case stalled > 15*time.Second:
		w.conn.logger().Pool().Warn("stall watchdog forcing timeout", "stalled_for", stalled)
		w.conn.failActiveRequestTimeout()
		w.reset()
	case stalled > 5*time.Second && !w.attnSent:
		w.conn.logger().Pool().Warn("stall watchdog sending ATTENTION", "stalled_for", stalled)
		w.attnSent = true
		_ = w.conn.SendAttention()
	case stalled > 2*time.Second:
		w.snapshotCount++
		var trace []string
		if w.conn.ring != nil {
			trace = w.conn.ring.snapshot()
		}
		w.conn.logger().Pool().Debug("stall watchdog snapshot", "count", w.snapshotCount, "stalled_for", stalled, "token_trace", trace)
		if w.snapshotCount >= limit {
			w.conn.logger().Pool().Warn("stall watchdog snapshot limit reached, failing request", "limit", limit)
			w.conn.failActiveRequestTimeout()
			w.reset()
		}
	}
}

// reset clears the stall-tracking state; called once the watchdog has acted
// on a stall, once a new token arrives and clears an in-progress stall, or
// once the head request changes (no active head, or its first token has not
// arrived yet).
func (w *stallWatchdog) reset() {
	w.stallStartAt = time.Time{}
	w.lastTokenAt = time.Time{}
	w.snapshotCount = 0
	w.attnSent = false
}

// Stop cancels the watchdog goroutine and clears its pipeline reference.
func (w *stallWatchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.ref.clear()
}
