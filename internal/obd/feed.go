package obd

import (
	"context"
	"sync"
	"sync/atomic"
)

// Feed publishes the latest value of T to any number of observers.
// Readers of Latest always see a whole value; subscribers get the most
// recent value and may skip intermediate ones if they fall behind.
type Feed[T any] struct {
	latest atomic.Pointer[T]

	mu   sync.Mutex
	subs map[chan T]struct{}
}

func NewFeed[T any](initial T) *Feed[T] {
	f := &Feed[T]{subs: make(map[chan T]struct{})}
	f.latest.Store(&initial)
	return f
}

// Latest returns the current value.
func (f *Feed[T]) Latest() T {
	return *f.latest.Load()
}

// Publish replaces the current value and notifies subscribers.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest.Store(&v)
	for ch := range f.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel that yields the current value immediately and
// every later one, until ctx ends.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	ch <- *f.latest.Load()
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// offer delivers v, replacing an unread older value.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
