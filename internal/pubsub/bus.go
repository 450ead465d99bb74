package pubsub

import (
	"fmt"
	"log/slog"
	"sync"
)

// Bus is a per-instance publish/subscribe fan-out. Subscribers are called in
// subscription order on the publishing goroutine. A panicking subscriber is
// recovered and logged; delivery to the remaining subscribers continues.
type Bus[T any] struct {
	name string
	log  *slog.Logger

	mu   sync.RWMutex
	next uint64
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// New returns a bus. name labels recovered panics in the log.
func New[T any](name string, log *slog.Logger) *Bus[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Bus[T]{name: name, log: log}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to every subscriber registered at the time of the call.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := append([]subscriber[T](nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, v)
	}
}

func (b *Bus[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", "bus", b.name, "subscriber", s.id, "panic", fmt.Sprint(r))
		}
	}()
	s.fn(v)
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
