package protocol

import (
	"testing"
	"time"

	tdserr "github.com/ha1tch/aul/pkg/errors"
)

func TestPipelineFIFOOrder(t *testing.T) {
	p := newPipeline()

	r1 := newRequest([]byte("one"))
	r2 := newRequest([]byte("two"))
	p.submit(r1)
	p.submit(r2)

	head, ok := p.nextHead()
	if !ok || head != r1 {
		t.Fatalf("expected r1 as first head, got %v ok=%v", head, ok)
	}
	p.completeHead(&Result{}, nil)

	head, ok = p.nextHead()
	if !ok || head != r2 {
		t.Fatalf("expected r2 as second head, got %v ok=%v", head, ok)
	}
	p.completeHead(&Result{}, nil)
}

func TestPipelineLoginCoalescing(t *testing.T) {
	p := newPipeline()

	first := newRequest([]byte("login1"))
	first.isLogin = true
	dup := newRequest([]byte("login2"))
	dup.isLogin = true

	p.submit(first)
	p.submit(dup)

	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected the duplicate login to not be enqueued, queue len=%d", queued)
	}

	head, ok := p.nextHead()
	if !ok || head != first {
		t.Fatalf("expected first login as head, got %v ok=%v", head, ok)
	}

	result := &Result{}
	done := make(chan struct{})
	go func() {
		r, err := dup.wait()
		if err != nil || r != result {
			t.Errorf("duplicate login did not receive the coalesced result: r=%v err=%v", r, err)
		}
		close(done)
	}()

	p.completeHead(result, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("duplicate login waiter never settled")
	}
}

func TestPipelineFailAllSettlesEverything(t *testing.T) {
	p := newPipeline()

	head := newRequest([]byte("head"))
	queued := newRequest([]byte("queued"))
	p.submit(head)
	p.submit(queued)

	h, _ := p.nextHead()
	if h != head {
		t.Fatalf("unexpected head: %v", h)
	}

	p.failAll(tdserr.ConnectionClosed("test teardown").Err())

	if _, err := head.wait(); tdserr.GetKind(err) != tdserr.KindConnectionClosed {
		t.Errorf("expected connection-closed for head, got %v", err)
	}
	if _, err := queued.wait(); tdserr.GetKind(err) != tdserr.KindConnectionClosed {
		t.Errorf("expected connection-closed for queued request, got %v", err)
	}

	late := newRequest([]byte("late"))
	p.submit(late)
	if _, err := late.wait(); tdserr.GetKind(err) != tdserr.KindConnectionClosed {
		t.Errorf("expected submit-after-close to settle immediately with connection-closed, got %v", err)
	}
}

func TestPipelineHeadActive(t *testing.T) {
	p := newPipeline()

	if active, seen, _ := p.headActive(); active || seen {
		t.Fatalf("expected no active head initially, got active=%v seen=%v", active, seen)
	}

	req := newRequest([]byte("x"))
	p.submit(req)
	head, _ := p.nextHead()

	if active, seen, lastTokenAt := p.headActive(); !active || seen || !lastTokenAt.IsZero() {
		t.Fatalf("expected active head with no tokens yet, got active=%v seen=%v lastTokenAt=%v", active, seen, lastTokenAt)
	}

	before := time.Now()
	p.markTokenSeen()
	if active, seen, lastTokenAt := p.headActive(); !active || !seen || lastTokenAt.Before(before) {
		t.Fatalf("expected active head with tokens seen, got active=%v seen=%v lastTokenAt=%v", active, seen, lastTokenAt)
	}

	p.completeHead(&Result{}, nil)
	_ = head
}
