package kernel

// Mailbox is a bounded FIFO queue of pending messages owned by one actor.
// Capacity is rounded up to a power of two so the ring indices can wrap with
// a mask instead of a modulo.
type Mailbox struct {
	messages []*Message
	capacity uint64
	head     uint64 // producer index
	tail     uint64 // consumer index
}

func nextPow2(v uint64) uint64 {
	if v < 2 {
		return 2
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// NewMailbox creates a mailbox with at least the requested capacity.
func NewMailbox(capacity int) *Mailbox {
	n := nextPow2(uint64(capacity))
	return &Mailbox{
		messages: make([]*Message, n),
		capacity: n,
	}
}

// Enqueue appends a message. It returns false if the mailbox is full; the
// message is not retained and the caller decides what to do with it.
func (mb *Mailbox) Enqueue(msg *Message) bool {
	if mb.head-mb.tail >= mb.capacity {
		return false
	}
	mb.messages[mb.head&(mb.capacity-1)] = msg
	mb.head++
	return true
}

// Dequeue removes and returns the oldest message, or nil if empty.
func (mb *Mailbox) Dequeue() *Message {
	if mb.head == mb.tail {
		return nil
	}
	idx := mb.tail & (mb.capacity - 1)
	msg := mb.messages[idx]
	mb.messages[idx] = nil
	mb.tail++
	return msg
}

// Empty reports whether no messages are queued.
func (mb *Mailbox) Empty() bool { return mb.head == mb.tail }

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int { return int(mb.head - mb.tail) }

// Cap returns the rounded-up capacity.
func (mb *Mailbox) Cap() int { return int(mb.capacity) }

// drain discards every queued message.
func (mb *Mailbox) drain() {
	for mb.Dequeue() != nil {
	}
}
