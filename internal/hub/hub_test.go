package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
)

func TestBroadcastDropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.MustMessage(0x123))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected full queue, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	select {
	case <-cl.Closed:
		t.Fatal("drop policy closed the client")
	default:
	}
}

func TestBroadcastKickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow, fast := NewClient(1), NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	for i := 0; i < 3; i++ {
		h.Broadcast(can.MustMessage(0x7E8, byte(i)))
	}
	select {
	case <-slow.Closed:
	default:
		t.Fatal("slow client not kicked")
	}
	if len(fast.Out) != 3 {
		t.Fatalf("fast client got %d frames", len(fast.Out))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    BackpressurePolicy
		wantErr bool
	}{
		{"drop", PolicyDrop, false},
		{"KICK", PolicyKick, false},
		{"", PolicyDrop, false},
		{"block", PolicyDrop, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}
