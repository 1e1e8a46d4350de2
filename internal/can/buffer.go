package can

// DefaultBufferLimit is the capacity of a Buffer created with a non-positive limit.
const DefaultBufferLimit = 2048

// Buffer is a bounded FIFO of messages. When full, adding a message evicts the
// oldest one, so under sustained overload the buffer holds the most recent
// traffic. Buffer is not safe for concurrent use; see Inbox.
type Buffer struct {
	ring  []Message
	head  int
	count int
}

// NewBuffer returns an empty buffer holding at most limit messages.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{ring: make([]Message, limit)}
}

// Add appends m. It reports whether the oldest message was evicted to make room.
func (b *Buffer) Add(m Message) bool {
	tail := (b.head + b.count) % len(b.ring)
	b.ring[tail] = m
	if b.count < len(b.ring) {
		b.count++
		return false
	}
	// tail overwrote the oldest slot
	b.head = (b.head + 1) % len(b.ring)
	return true
}

// Pop removes and returns the oldest message. ok is false when empty.
func (b *Buffer) Pop() (m Message, ok bool) {
	if b.count == 0 {
		return Message{}, false
	}
	m = b.ring[b.head]
	b.ring[b.head] = Message{}
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	return m, true
}

// Clear drops every buffered message.
func (b *Buffer) Clear() { b.head, b.count = 0, 0 }

func (b *Buffer) Len() int   { return b.count }
func (b *Buffer) Limit() int { return len(b.ring) }
