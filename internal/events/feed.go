package events

import (
	"sync"
)

// Feed is a typed pub/sub stream. Subscribers are either callbacks, which run
// synchronously on the publishing goroutine, or channels, which receive
// non-blocking sends and miss values when full.
type Feed[T any] struct {
	mu        sync.RWMutex
	callbacks map[uint64]func(T)
	channels  map[uint64]chan<- T
	nextID    uint64
	replay    bool
	last      T
	hasLast   bool
}

// NewFeed creates a Feed. With replay set, the most recent published value is
// delivered to every new subscriber straight away.
func NewFeed[T any](replay bool) *Feed[T] {
	return &Feed[T]{
		callbacks: make(map[uint64]func(T)),
		channels:  make(map[uint64]chan<- T),
		replay:    replay,
	}
}

// Subscribe registers a callback and returns its unsubscribe function
func (f *Feed[T]) Subscribe(callback func(T)) func() {
	if callback == nil {
		panic("events: callback cannot be nil")
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.callbacks[id] = callback
	last, send := f.last, f.replay && f.hasLast
	f.mu.Unlock()

	if send {
		callback(last)
	}

	return func() {
		f.mu.Lock()
		delete(f.callbacks, id)
		f.mu.Unlock()
	}
}

// SubscribeChan registers a channel and returns its unsubscribe function
func (f *Feed[T]) SubscribeChan(ch chan<- T) func() {
	if ch == nil {
		panic("events: channel cannot be nil")
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.channels[id] = ch
	last, send := f.last, f.replay && f.hasLast
	f.mu.Unlock()

	if send {
		select {
		case ch <- last:
		default:
		}
	}

	return func() {
		f.mu.Lock()
		delete(f.channels, id)
		f.mu.Unlock()
	}
}

// Publish delivers value to all subscribers. Subscribers are called outside
// the lock so they may subscribe or unsubscribe from within the callback.
func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	if f.replay {
		f.last = value
		f.hasLast = true
	}
	callbacks := make([]func(T), 0, len(f.callbacks))
	for _, cb := range f.callbacks {
		callbacks = append(callbacks, cb)
	}
	channels := make([]chan<- T, 0, len(f.channels))
	for _, ch := range f.channels {
		channels = append(channels, ch)
	}
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value)
	}
	for _, ch := range channels {
		select {
		case ch <- value:
		default:
		}
	}
}

// Last returns the most recently published value when replay is enabled
func (f *Feed[T]) Last() (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.hasLast
}

// SubscriberCount returns the number of callback and channel subscribers
func (f *Feed[T]) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.callbacks) + len(f.channels)
}
