package protocol

import (
	"sync"
	"time"

	tdserr "github.com/ha1tch/aul/pkg/errors"
	"github.com/ha1tch/aul/tds"
)

// request is one FIFO-queued unit of work: a fully-encoded packet payload
// waiting to be written once it reaches the head of the queue, plus the
// channel its result (or error) is delivered on.
type request struct {
	packetType  tds.PacketType
	payload     []byte
	isLogin     bool
	streaming   bool
	events      chan StreamEvent
	done        chan struct{}
	result      *Result
	err         error
	tokensSeen  bool
	lastTokenAt time.Time
	startedAt   time.Time
}

func newRequest(payload []byte) *request {
	return &request{payload: payload, done: make(chan struct{})}
}

func (r *request) settle(result *Result, err error) {
	r.result = result
	r.err = err
	if r.streaming && r.events != nil {
		close(r.events)
	}
	close(r.done)
}

// wait blocks until the request settles and returns its outcome.
func (r *request) wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// pipeline is the per-connection FIFO request queue described in §4.E: a
// single head request owns the wire at a time; LOGIN requests coalesce
// against whichever LOGIN is already queued or in flight; ATTENTION and
// fail-current-timeout bypass the queue entirely.
type pipeline struct {
	mu sync.Mutex

	queue        []*request
	head         *request
	loginHead    *request   // the queued/in-flight login other logins coalesce onto
	loginWaiters []*request // duplicates waiting on loginHead's result

	closed   bool
	closeErr error

	wake chan struct{}
}

func newPipeline() *pipeline {
	return &pipeline{wake: make(chan struct{}, 1)}
}

// submit enqueues req at the tail of the FIFO, or — for a duplicate LOGIN —
// registers it as a waiter on the login already queued/in-flight without
// taking a queue slot or writing any packet.
func (p *pipeline) submit(req *request) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		req.settle(nil, tdserr.ConnectionClosed(p.closeDetail()).Err())
		return
	}

	if req.isLogin && p.loginHead != nil {
		p.loginWaiters = append(p.loginWaiters, req)
		p.mu.Unlock()
		return
	}

	if req.isLogin {
		p.loginHead = req
	}
	p.queue = append(p.queue, req)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipeline) closeDetail() string {
	if p.closeErr != nil {
		return p.closeErr.Error()
	}
	return "connection closed"
}

// nextHead pops the next request to become head-of-line, blocking on wake
// until one is available or the pipeline is closed (returns nil, false).
func (p *pipeline) nextHead() (*request, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false
		}
		if len(p.queue) > 0 {
			req := p.queue[0]
			p.queue = p.queue[1:]
			p.head = req
			p.mu.Unlock()
			return req, true
		}
		p.mu.Unlock()
		<-p.wake
	}
}

// completeHead settles the current head (and any login waiters coalesced
// onto it) and clears head-of-line state.
func (p *pipeline) completeHead(result *Result, err error) {
	p.mu.Lock()
	req := p.head
	p.head = nil
	var waiters []*request
	if req != nil && req.isLogin {
		waiters = p.loginWaiters
		p.loginWaiters = nil
		p.loginHead = nil
	}
	p.mu.Unlock()

	if req != nil {
		req.settle(result, err)
	}
	for _, w := range waiters {
		w.settle(result, err)
	}
}

// failAll settles the head and every still-queued request with a
// connection-closed error, per §4.E teardown semantics, and marks the
// pipeline closed so further submissions fail fast.
func (p *pipeline) failAll(cause error) {
	p.mu.Lock()
	p.closed = true
	p.closeErr = cause
	head := p.head
	queued := p.queue
	waiters := p.loginWaiters
	p.queue = nil
	p.loginWaiters = nil
	p.loginHead = nil
	p.head = nil
	p.mu.Unlock()

	kindErr := tdserr.ConnectionClosed(causeDetail(cause)).Err()
	if head != nil {
		head.settle(nil, kindErr)
	}
	for _, req := range queued {
		req.settle(nil, kindErr)
	}
	for _, w := range waiters {
		w.settle(nil, kindErr)
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func causeDetail(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// markTokenSeen records that a token has just arrived for the current head
// request, arming the stall watchdog (§4.E: the watchdog only runs once a
// head request has received at least one token) and resetting its idle
// clock so actively streaming requests are never mistaken for stalled ones.
func (p *pipeline) markTokenSeen() {
	p.mu.Lock()
	if p.head != nil {
		p.head.tokensSeen = true
		p.head.lastTokenAt = time.Now()
	}
	p.mu.Unlock()
}

// headActive reports whether the current head has received at least one
// token, and the timestamp of the most recent token seen so far, for the
// watchdog to measure idleness since the last token rather than since the
// request started.
func (p *pipeline) headActive() (active bool, tokensSeen bool, lastTokenAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == nil {
		return false, false, time.Time{}
	}
	return true, p.head.tokensSeen, p.head.lastTokenAt
}
