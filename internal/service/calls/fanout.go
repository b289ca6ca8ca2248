package calls

import (
	"sync"

	"github.com/vovakirdan/wirechat-calls/internal/feed"
)

// fanout copies every published value to each subscriber's feed.
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[*feed.Feed[T]]struct{}
	closed bool
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[*feed.Feed[T]]struct{})}
}

func (f *fanout[T]) subscribe() (<-chan T, func()) {
	fd := feed.New[T]()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		fd.Close()
		return fd.C(), func() {}
	}
	f.subs[fd] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return fd.C(), func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, fd)
			f.mu.Unlock()
			fd.Close()
		})
	}
}

func (f *fanout[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd := range f.subs {
		fd.Push(v)
	}
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for fd := range f.subs {
		fd.Close()
		delete(f.subs, fd)
	}
}
