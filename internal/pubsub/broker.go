// Package pubsub fans change notifications out to subscribers.
package pubsub

import "sync"

const defaultBuffer = 16

// Broker delivers every published value to all current subscribers.
// Publish never blocks: a subscriber that falls behind loses its oldest
// pending value, so the newest one always gets through.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	next   uint64
	buffer int
	closed bool
}

func New[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// Subscribe returns a channel of future values and a function that
// cancels the subscription and closes the channel.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Close ends all subscriptions.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
