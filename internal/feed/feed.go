// Package feed provides an unbounded, ordered hand-off between a producer
// that must never block and a single consumer reading from a channel.
package feed

import "sync"

// Feed queues pushed values and delivers them in push order on C().
// Push never blocks and never drops; the queue grows instead.
type Feed[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	wake chan struct{}
	out  chan T
	done chan struct{}
	once sync.Once
}

// New creates a feed and starts its delivery goroutine.
func New[T any]() *Feed[T] {
	f := &Feed[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go f.pump()
	return f
}

// C returns the delivery channel. It is closed after Close.
func (f *Feed[T]) C() <-chan T {
	return f.out
}

// Push enqueues v. Values pushed after Close are discarded.
func (f *Feed[T]) Push(v T) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Len reports how many values are waiting for delivery.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Close stops delivery and closes C. Pending values are dropped.
// Safe to call multiple times.
func (f *Feed[T]) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *Feed[T]) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		next := f.queue[0]
		var zero T
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- next:
		case <-f.done:
			return
		}
	}
}
