package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultSize is the per-receiver buffer when none is given.
const DefaultSize = 128

// Broadcaster fans a single source out to any number of receivers. A
// receiver that falls behind loses its oldest buffered values instead of
// stalling the source.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	size   int
	subs   map[*Receiver[T]]struct{}
	closed bool
}

// New creates a new Broadcaster with size slots per receiver
func New[T any](size int) *Broadcaster[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Broadcaster[T]{
		size: size,
		subs: make(map[*Receiver[T]]struct{}),
	}
}

// Subscribe registers a new receiver. Subscribing to a closed broadcaster
// yields an already closed receiver.
func (b *Broadcaster[T]) Subscribe() *Receiver[T] {
	r := &Receiver[T]{ch: make(chan T, b.size), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(r.ch)
		r.closed = true
		return r
	}
	b.subs[r] = struct{}{}
	return r
}

// Publish delivers v to every receiver without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for r := range b.subs {
		r.offer(v)
	}
}

// Len is the number of live receivers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every receiver channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for r := range b.subs {
		r.closed = true
		close(r.ch)
	}
	b.subs = nil
}

// Run publishes everything from src until it closes or ctx ends, then
// closes the broadcaster.
func (b *Broadcaster[T]) Run(ctx context.Context, src <-chan T) {
	defer b.Close()
	for {
		select {
		case v, ok := <-src:
			if !ok {
				return
			}
			b.Publish(v)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broadcaster[T]) remove(r *Receiver[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.closed {
		return
	}
	delete(b.subs, r)
	r.closed = true
	close(r.ch)
}

// Receiver is one subscriber's view of a Broadcaster.
type Receiver[T any] struct {
	ch     chan T
	b      *Broadcaster[T]
	lagged atomic.Int64
	closed bool
}

// C is closed once the receiver or its broadcaster is closed.
func (r *Receiver[T]) C() <-chan T {
	return r.ch
}

// Recv blocks for the next value.
func (r *Receiver[T]) Recv(ctx context.Context) (T, bool) {
	select {
	case v, ok := <-r.ch:
		return v, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// Lagged counts values dropped because this receiver was slow.
func (r *Receiver[T]) Lagged() int64 {
	return r.lagged.Load()
}

// Close unsubscribes the receiver.
func (r *Receiver[T]) Close() {
	r.b.remove(r)
}

// offer is called with the broadcaster lock held.
func (r *Receiver[T]) offer(v T) {
	select {
	case r.ch <- v:
		return
	default:
	}
	select {
	case <-r.ch:
		r.lagged.Add(1)
	default:
	}
	select {
	case r.ch <- v:
	default:
		r.lagged.Add(1)
	}
}
