package can

import "testing"

func msg(id uint32) Message { return MustMessage(id, byte(id)) }

func TestBuffer_BoundAndEvictOldest(t *testing.T) {
	const limit = 20
	b := NewBuffer(limit)
	for i := 0; i < 50; i++ {
		b.Add(msg(uint32(i)))
		if b.Len() > limit {
			t.Fatalf("size %d exceeds limit after add %d", b.Len(), i)
		}
	}
	for want := uint32(30); want < 50; want++ {
		m, ok := b.Pop()
		if !ok {
			t.Fatalf("buffer empty before id %d", want)
		}
		if m.ID() != want {
			t.Fatalf("got id %d want %d", m.ID(), want)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatalf("expected empty buffer")
	}
}

func TestBuffer_AddReportsEviction(t *testing.T) {
	b := NewBuffer(2)
	if b.Add(msg(1)) || b.Add(msg(2)) {
		t.Fatalf("no eviction expected below limit")
	}
	if !b.Add(msg(3)) {
		t.Fatalf("expected eviction at limit")
	}
}

func TestBuffer_PopEmptyLeavesValue(t *testing.T) {
	b := NewBuffer(4)
	out := msg(7)
	if m, ok := b.Pop(); ok {
		out = m
		t.Fatalf("pop on empty returned %v", m)
	}
	if out.ID() != 7 {
		t.Fatalf("caller value changed")
	}
	b.Add(msg(9))
	m, ok := b.Pop()
	if !ok || m.ID() != 9 {
		t.Fatalf("expected id 9, got %v ok=%v", m, ok)
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := NewBuffer(0)
	if b.Limit() != DefaultBufferLimit {
		t.Fatalf("default limit %d", b.Limit())
	}
	for i := 0; i < 10; i++ {
		b.Add(msg(uint32(i)))
	}
	b.Clear()
	if _, ok := b.Pop(); ok {
		t.Fatalf("pop after clear returned a frame")
	}
	b.Add(msg(42))
	if m, ok := b.Pop(); !ok || m.ID() != 42 {
		t.Fatalf("buffer unusable after clear: %v %v", m, ok)
	}
}

func TestBuffer_WrapAroundKeepsOrder(t *testing.T) {
	b := NewBuffer(3)
	next := uint32(0)
	var popped []uint32
	for round := 0; round < 10; round++ {
		b.Add(msg(next))
		next++
		b.Add(msg(next))
		next++
		m, _ := b.Pop()
		popped = append(popped, m.ID())
	}
	for i := 1; i < len(popped); i++ {
		if popped[i] <= popped[i-1] {
			t.Fatalf("order violated: %v", popped)
		}
	}
}
