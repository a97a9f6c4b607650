// Package ring provides the bounded in-memory snapshot buffer serving
// live readers, plus subscriber fan-out for the pattern layer.
package ring

import (
	"sync"

	"github.com/baikal/hostpulse/internal/model"
)

// Subscriber is a bounded live feed of new snapshots. A subscriber that
// falls behind its queue capacity is disconnected (its channel closed)
// rather than allowed to block the publisher.
type Subscriber struct {
	ch      chan *model.Snapshot
	dropped bool
}

// C is the receive channel. It is closed when the subscriber is dropped
// or the buffer shuts down.
func (s *Subscriber) C() <-chan *model.Snapshot { return s.ch }

// Dropped reports whether the subscriber was disconnected as a slow
// consumer.
func (s *Subscriber) Dropped() bool { return s.dropped }

// Buffer is a fixed-capacity FIFO of the most recent snapshots. One
// publisher, many readers; Publish never blocks.
type Buffer struct {
	mu     sync.Mutex
	buf    []*model.Snapshot
	next   int // index of the next write
	size   int
	subs   map[*Subscriber]struct{}
	subCap int
	closed bool

	// OnSlowDrop, if set, is invoked (outside the lock) whenever a slow
	// subscriber is disconnected.
	OnSlowDrop func()
}

// New creates a buffer holding up to capacity snapshots, with per
// subscriber queues of subCap.
func New(capacity, subCap int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	if subCap <= 0 {
		subCap = 64
	}
	return &Buffer{
		buf:    make([]*model.Snapshot, capacity),
		subs:   make(map[*Subscriber]struct{}),
		subCap: subCap,
	}
}

// Publish appends a snapshot, overwriting the oldest when full, and fans
// it out to subscribers. O(1); never blocks.
func (b *Buffer) Publish(s *model.Snapshot) {
	var slow []*Subscriber

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf[b.next] = s
	b.next = (b.next + 1) % len(b.buf)
	if b.size < len(b.buf) {
		b.size++
	}

	for sub := range b.subs {
		select {
		case sub.ch <- s:
		default:
			sub.dropped = true
			delete(b.subs, sub)
			slow = append(slow, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range slow {
		close(sub.ch)
		if b.OnSlowDrop != nil {
			b.OnSlowDrop()
		}
	}
}

// Latest returns the most recent snapshot, or nil when empty.
func (b *Buffer) Latest() *model.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil
	}
	idx := (b.next - 1 + len(b.buf)) % len(b.buf)
	return b.buf[idx]
}

// Window returns up to n most recent snapshots in chronological order.
func (b *Buffer) Window(n int) []*model.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]*model.Snapshot, n)
	start := (b.next - n + len(b.buf)) % len(b.buf)
	for i := 0; i < n; i++ {
		out[i] = b.buf[(start+i)%len(b.buf)]
	}
	return out
}

// Len returns the number of buffered snapshots.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Subscribe registers a new live feed. The caller must drain the channel
// or accept disconnection as a slow consumer.
func (b *Buffer) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan *model.Snapshot, b.subCap)}
	b.mu.Lock()
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Buffer) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Close detaches all subscribers. Further publishes are ignored.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
