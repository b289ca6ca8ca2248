// Package memory implements store.Store in process memory. It backs tests
// and single-process setups where every participant shares one store.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vovakirdan/wirechat-calls/internal/store"
)

type candidateKey struct {
	callID string
	dir    store.Direction
}

// Store is an in-memory store.Store.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*store.CallSession
	candidates map[candidateKey][]store.Candidate
	notify     *store.Notifier
	failWrites error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]*store.CallSession),
		candidates: make(map[candidateKey][]store.Candidate),
		notify:     store.NewNotifier(),
	}
}

// CreateSession stores a copy of s.
func (m *Store) CreateSession(_ context.Context, s *store.CallSession) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return "", store.WrapTransport("create session", m.failWrites)
	}

	rec := s.Clone()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Version = 1
	m.sessions[rec.ID] = rec

	m.notify.PublishSession(rec.ID, rec)
	m.notify.PublishChat(rec.ChatID, m.activeForChatLocked(rec.ChatID))
	return rec.ID, nil
}

// FailWrites makes every mutating call return err wrapped as a transport
// error, simulating an unreachable backend. nil restores normal operation.
func (m *Store) FailWrites(err error) {
	m.mu.Lock()
	m.failWrites = err
	m.mu.Unlock()
}

// GetSession returns a copy of the stored session.
func (m *Store) GetSession(_ context.Context, callID string) (*store.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[callID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// UpdateSession applies patch to the stored session.
func (m *Store) UpdateSession(_ context.Context, callID string, patch store.SessionPatch) (*store.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return nil, store.WrapTransport("update session", m.failWrites)
	}

	rec, ok := m.sessions[callID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if patch.ExpectVersion != 0 && patch.ExpectVersion != rec.Version {
		return nil, store.ErrVersionConflict
	}
	patch.Apply(rec)

	m.notify.PublishSession(callID, rec)
	m.notify.PublishChat(rec.ChatID, m.activeForChatLocked(rec.ChatID))
	return rec.Clone(), nil
}

// DeleteSession removes a session, as a concurrent participant or a backend
// retention policy might.
func (m *Store) DeleteSession(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[callID]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.sessions, callID)
	delete(m.candidates, candidateKey{callID, store.DirectionOffer})
	delete(m.candidates, candidateKey{callID, store.DirectionAnswer})

	m.notify.PublishSession(callID, nil)
	m.notify.PublishChat(rec.ChatID, m.activeForChatLocked(rec.ChatID))
	return nil
}

// SubscribeSession delivers the current snapshot and every later change.
func (m *Store) SubscribeSession(ctx context.Context, callID string) (<-chan store.SessionChange, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, cancel := m.notify.WatchSession(ctx, callID, store.SessionChange{Session: m.sessions[callID].Clone()})
	return ch, cancel, nil
}

// SubscribeActiveSessionForChat delivers the chat's active session on every change.
func (m *Store) SubscribeActiveSessionForChat(ctx context.Context, chatID string) (<-chan store.SessionChange, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, cancel := m.notify.WatchChat(ctx, chatID, store.SessionChange{Session: m.activeForChatLocked(chatID).Clone()})
	return ch, cancel, nil
}

// PublishCandidate appends c to the candidate stream.
func (m *Store) PublishCandidate(_ context.Context, callID string, dir store.Direction, c store.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return store.WrapTransport("publish candidate", m.failWrites)
	}
	if _, ok := m.sessions[callID]; !ok {
		return store.ErrNotFound
	}

	key := candidateKey{callID, dir}
	m.candidates[key] = append(m.candidates[key], c)
	m.notify.PublishCandidate(callID, dir, c)
	return nil
}

// SubscribeCandidates replays the stream and then delivers new candidates.
func (m *Store) SubscribeCandidates(ctx context.Context, callID string, dir store.Direction) (<-chan store.Candidate, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backlog := append([]store.Candidate(nil), m.candidates[candidateKey{callID, dir}]...)
	ch, cancel := m.notify.WatchCandidates(ctx, callID, dir, backlog)
	return ch, cancel, nil
}

// Candidates returns a copy of the stream, for inspection in tests.
func (m *Store) Candidates(callID string, dir store.Direction) []store.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Candidate(nil), m.candidates[candidateKey{callID, dir}]...)
}

// Close terminates all subscriptions.
func (m *Store) Close() error {
	m.notify.Close()
	return nil
}

func (m *Store) activeForChatLocked(chatID string) *store.CallSession {
	var list []*store.CallSession
	for _, s := range m.sessions {
		if s.ChatID == chatID {
			list = append(list, s)
		}
	}
	return store.NewestActive(list)
}

var _ store.Store = (*Store)(nil)
