package protocol

import (
	"testing"
	"time"

	tdserr "github.com/ha1tch/aul/pkg/errors"
	"github.com/ha1tch/aul/pkg/log"
)

func newTestWatchdogConn(p *pipeline) *Connection {
	return &Connection{
		cfg:  DefaultConfig(),
		lg:   log.New(log.Config{DefaultLevel: log.LevelError}),
		pipe: p,
	}
}

// A request still actively streaming rows well past the snapshot/ATTENTION
// thresholds must not be escalated: every tick that observes a newer
// lastTokenAt than the one it last saw has to reset the idle clock.
func TestStallWatchdogDoesNotEscalateWhileTokensKeepArriving(t *testing.T) {
	p := newPipeline()
	req := newRequest([]byte("x"))
	p.submit(req)
	if _, ok := p.nextHead(); !ok {
		t.Fatal("expected a head request")
	}
	p.markTokenSeen()

	conn := newTestWatchdogConn(p)
	w := newStallWatchdog(newPipelineRef(p), conn)

	for i := 0; i < 5; i++ {
		p.markTokenSeen() // simulate another row arriving
		w.tick(p)
		if w.attnSent {
			t.Fatalf("iteration %d: ATTENTION sent despite continuous token arrival", i)
		}
		if w.snapshotCount != 0 {
			t.Fatalf("iteration %d: snapshot taken despite continuous token arrival", i)
		}
	}
}

// Once tokens stop arriving, the watchdog must escalate through snapshot,
// ATTENTION, and finally a forced timeout that settles the head request.
func TestStallWatchdogEscalatesWhenTrulyStalled(t *testing.T) {
	p := newPipeline()
	req := newRequest([]byte("x"))
	p.submit(req)
	if _, ok := p.nextHead(); !ok {
		t.Fatal("expected a head request")
	}
	p.markTokenSeen()

	conn := newTestWatchdogConn(p)
	w := newStallWatchdog(newPipelineRef(p), conn)

	// Arms the watchdog against the request's one and only token.
	w.tick(p)
	if w.stallStartAt.IsZero() {
		t.Fatal("expected the idle clock to start on the first tick")
	}

	// No further tokens arrive; back-date the clock to simulate silence
	// rather than sleeping in the test.
	w.stallStartAt = time.Now().Add(-3 * time.Second)
	w.tick(p)
	if w.snapshotCount != 1 {
		t.Fatalf("expected a diagnostic snapshot after 3s of silence, got count=%d", w.snapshotCount)
	}

	w.stallStartAt = time.Now().Add(-6 * time.Second)
	w.tick(p)
	if !w.attnSent {
		t.Fatal("expected ATTENTION to have been sent after 6s of silence")
	}

	w.stallStartAt = time.Now().Add(-16 * time.Second)
	w.tick(p)
	if !w.stallStartAt.IsZero() {
		t.Fatal("expected the watchdog to reset after forcing a timeout")
	}

	_, err := req.wait()
	if tdserr.GetKind(err) != tdserr.KindTimeout {
		t.Fatalf("expected the head request to settle with a timeout error, got %v", err)
	}
}
