package store

import (
	"context"
	"sync"

	"github.com/vovakirdan/wirechat-calls/internal/feed"
)

type candidateKey struct {
	callID string
	dir    Direction
}

// Notifier fans committed changes out to in-process subscribers.
// Backends call the Publish* methods after a write commits and the Watch*
// methods while holding the same lock they write under, so a subscriber
// never misses a change between its initial snapshot and live delivery.
type Notifier struct {
	mu         sync.Mutex
	sessions   map[string]map[*feed.Feed[SessionChange]]struct{}
	chats      map[string]map[*feed.Feed[SessionChange]]struct{}
	candidates map[candidateKey]map[*feed.Feed[Candidate]]struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		sessions:   make(map[string]map[*feed.Feed[SessionChange]]struct{}),
		chats:      make(map[string]map[*feed.Feed[SessionChange]]struct{}),
		candidates: make(map[candidateKey]map[*feed.Feed[Candidate]]struct{}),
	}
}

// WatchSession registers a session subscriber primed with initial.
func (n *Notifier) WatchSession(ctx context.Context, callID string, initial SessionChange) (<-chan SessionChange, func()) {
	return watch(ctx, &n.mu, n.sessions, callID, []SessionChange{initial})
}

// WatchChat registers a chat subscriber primed with initial.
func (n *Notifier) WatchChat(ctx context.Context, chatID string, initial SessionChange) (<-chan SessionChange, func()) {
	return watch(ctx, &n.mu, n.chats, chatID, []SessionChange{initial})
}

// WatchCandidates registers a candidate subscriber primed with backlog.
func (n *Notifier) WatchCandidates(ctx context.Context, callID string, dir Direction, backlog []Candidate) (<-chan Candidate, func()) {
	return watch(ctx, &n.mu, n.candidates, candidateKey{callID, dir}, backlog)
}

// PublishSession notifies subscribers of callID. s may be nil (deleted).
func (n *Notifier) PublishSession(callID string, s *CallSession) {
	publish(&n.mu, n.sessions, callID, func() SessionChange {
		return SessionChange{Session: s.Clone()}
	})
}

// PublishChat notifies chat subscribers with the chat's active session.
func (n *Notifier) PublishChat(chatID string, active *CallSession) {
	publish(&n.mu, n.chats, chatID, func() SessionChange {
		return SessionChange{Session: active.Clone()}
	})
}

// PublishCandidate notifies candidate subscribers.
func (n *Notifier) PublishCandidate(callID string, dir Direction, c Candidate) {
	publish(&n.mu, n.candidates, candidateKey{callID, dir}, func() Candidate { return c })
}

// Close terminates every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	closeAll(n.sessions)
	closeAll(n.chats)
	closeAll(n.candidates)
}

func watch[K comparable, T any](ctx context.Context, mu *sync.Mutex, subs map[K]map[*feed.Feed[T]]struct{}, key K, initial []T) (<-chan T, func()) {
	f := feed.New[T]()
	for _, v := range initial {
		f.Push(v)
	}

	mu.Lock()
	set, ok := subs[key]
	if !ok {
		set = make(map[*feed.Feed[T]]struct{})
		subs[key] = set
	}
	set[f] = struct{}{}
	mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			mu.Lock()
			if set, ok := subs[key]; ok {
				delete(set, f)
				if len(set) == 0 {
					delete(subs, key)
				}
			}
			mu.Unlock()
			f.Close()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return f.C(), func() {
		stop()
		cancel()
	}
}

func publish[K comparable, T any](mu *sync.Mutex, subs map[K]map[*feed.Feed[T]]struct{}, key K, value func() T) {
	mu.Lock()
	defer mu.Unlock()
	for f := range subs[key] {
		f.Push(value())
	}
}

func closeAll[K comparable, T any](subs map[K]map[*feed.Feed[T]]struct{}) {
	for key, set := range subs {
		for f := range set {
			f.Close()
		}
		delete(subs, key)
	}
}
