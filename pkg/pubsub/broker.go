// Package pubsub is a small typed fan-out broker with explicit subscriber
// lifecycle.
package pubsub

import (
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	ch chan T
	// done closes before ch so a blocked publisher can let go.
	done     chan struct{}
	reliable bool
}

// Broker delivers published values to every live subscriber.
// Plain subscribers never block the publisher: one whose buffer is full
// misses the value and the drop is counted. Reliable subscribers receive
// every value; the publisher waits for them.
type Broker[T any] struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber[T]
	nextID    uint64
	closed    bool
	quit      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[uint64]*subscriber[T]),
		quit: make(chan struct{}),
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call more
// than once. Subscribing to a closed broker yields an already-closed channel.
func (b *Broker[T]) Subscribe(buffer int) (<-chan T, func()) {
	return b.subscribe(buffer, false)
}

// SubscribeReliable is Subscribe without drops: Publish blocks until the
// value is buffered or the subscription is cancelled. The consumer must keep
// reading or cancel.
func (b *Broker[T]) SubscribeReliable(buffer int) (<-chan T, func()) {
	return b.subscribe(buffer, true)
}

func (b *Broker[T]) subscribe(buffer int, reliable bool) (<-chan T, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber[T]{
		ch:       make(chan T, buffer),
		done:     make(chan struct{}),
		reliable: reliable,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			close(sub.done)
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish sends v to all subscribers.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.reliable {
			select {
			case sub.ch <- v:
			case <-sub.done:
			case <-b.quit:
			}
			continue
		}
		select {
		case sub.ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unregisters and closes every subscriber. Publish after Close is a no-op.
func (b *Broker[T]) Close() {
	b.closeOnce.Do(func() { close(b.quit) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
