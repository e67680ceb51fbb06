package protocol

import "testing"

func TestTokenRingOrderAndWraparound(t *testing.T) {
	r := newTokenRing(3)

	r.push("A")
	r.push("B")
	if got := r.snapshot(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("expected [A B], got %v", got)
	}

	r.push("C")
	r.push("D") // overwrites A

	got := r.snapshot()
	want := []string{"B", "C", "D"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestTokenRingDefaultCapacity(t *testing.T) {
	r := newTokenRing(0)
	if len(r.buf) != 128 {
		t.Fatalf("expected default capacity 128, got %d", len(r.buf))
	}
}
