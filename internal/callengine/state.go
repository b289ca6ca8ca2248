package callengine

import (
	"slices"
	"sync"

	"github.com/vovakirdan/wirechat-calls/internal/feed"
	"github.com/vovakirdan/wirechat-calls/internal/peer"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// Role is how this device takes part in a call.
type Role string

const (
	RoleNone Role = ""
	// RoleCaller created the session and its offer.
	RoleCaller Role = "caller"
	// RoleAnswerer applied the offer and wrote the answer.
	RoleAnswerer Role = "answerer"
	// RoleRoster joined a connected call for display only, without media.
	RoleRoster Role = "roster"
)

// State is a snapshot of one engine for the UI.
type State struct {
	CallID        string               `json:"call_id,omitempty"`
	ChatID        string               `json:"chat_id,omitempty"`
	Type          store.CallType       `json:"type,omitempty"`
	Status        store.Status         `json:"status"`
	Role          Role                 `json:"role,omitempty"`
	Pending       bool                 `json:"pending,omitempty"`
	Muted         bool                 `json:"muted"`
	CameraEnabled bool                 `json:"camera_enabled"`
	Participants  []store.Participant  `json:"participants"`
	Connection    peer.ConnectionState `json:"connection,omitempty"`
	RemoteTracks  int                  `json:"remote_tracks"`
	ErrorCode     string               `json:"error_code,omitempty"`
	Error         string               `json:"error,omitempty"`
}

func (s State) clone() State {
	s.Participants = slices.Clone(s.Participants)
	return s
}

// stateBox holds the latest published State and its subscribers. It is
// written by the engine loop and read from any goroutine.
type stateBox struct {
	mu      sync.RWMutex
	current State
	lastErr error
	subs    map[*feed.Feed[State]]struct{}
}

func newStateBox() *stateBox {
	return &stateBox{
		current: State{Status: store.StatusIdle},
		subs:    make(map[*feed.Feed[State]]struct{}),
	}
}

func (b *stateBox) get() (State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current.clone(), b.lastErr
}

func (b *stateBox) set(s State, lastErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = s.clone()
	b.lastErr = lastErr
	for f := range b.subs {
		f.Push(s.clone())
	}
}

func (b *stateBox) subscribe() (<-chan State, func()) {
	f := feed.New[State]()

	b.mu.Lock()
	f.Push(b.current.clone())
	b.subs[f] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return f.C(), func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, f)
			b.mu.Unlock()
			f.Close()
		})
	}
}

func (b *stateBox) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for f := range b.subs {
		f.Close()
		delete(b.subs, f)
	}
}
