package store

import (
	"context"
	"slices"
	"time"
)

// CallType defines the media type of a call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Status defines call status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// IsActive reports whether s is a live call (ringing or connected).
func (s Status) IsActive() bool {
	return s == StatusRinging || s == StatusConnected
}

// Rank orders statuses so that transitions only ever move forward.
// ended and failed share the highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusRinging:
		return 1
	case StatusConnected:
		return 2
	case StatusEnded, StatusFailed:
		return 3
	default:
		return 0
	}
}

// Participant is a roster entry of a call.
type Participant struct {
	UserID        string `json:"userId" yaml:"user_id"`
	DisplayName   string `json:"displayName" yaml:"display_name"`
	PhotoURL      string `json:"photoURL,omitempty" yaml:"photo_url,omitempty"`
	Muted         bool   `json:"muted" yaml:"muted"`
	CameraEnabled bool   `json:"cameraEnabled" yaml:"camera_enabled"`
}

// Description is an opaque negotiation payload (offer or answer).
type Description struct {
	Type string `json:"type" yaml:"type"`
	SDP  string `json:"sdp" yaml:"sdp"`
}

const (
	DescriptionOffer  = "offer"
	DescriptionAnswer = "answer"
)

// IsZero reports whether d carries no payload.
func (d *Description) IsZero() bool {
	return d == nil || d.SDP == ""
}

// CallSession is the shared record of one call attempt.
type CallSession struct {
	ID           string        `json:"id" yaml:"id"`
	ChatID       string        `json:"chatId" yaml:"chat_id"`
	GroupID      string        `json:"groupId,omitempty" yaml:"group_id,omitempty"`
	InitiatorID  string        `json:"initiatorId" yaml:"initiator_id"`
	Participants []Participant `json:"participants" yaml:"participants"`
	Type         CallType      `json:"type" yaml:"type"`
	Status       Status        `json:"status" yaml:"status"`
	StartedAt    time.Time     `json:"startedAt" yaml:"started_at"`
	EndedAt      *time.Time    `json:"endedAt,omitempty" yaml:"ended_at,omitempty"`
	Offer        *Description  `json:"offer,omitempty" yaml:"offer,omitempty"`
	Answer       *Description  `json:"answer,omitempty" yaml:"answer,omitempty"`
	Version      uint64        `json:"version" yaml:"version"`
}

// HasParticipant reports whether userID is on the roster.
func (s *CallSession) HasParticipant(userID string) bool {
	return slices.ContainsFunc(s.Participants, func(p Participant) bool {
		return p.UserID == userID
	})
}

// Clone returns a deep copy of s.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = slices.Clone(s.Participants)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Offer != nil {
		d := *s.Offer
		c.Offer = &d
	}
	if s.Answer != nil {
		d := *s.Answer
		c.Answer = &d
	}
	return &c
}

// SessionPatch is a partial update of a CallSession. Nil fields are left
// untouched. A non-zero ExpectVersion makes the write conditional on the
// stored version.
type SessionPatch struct {
	Status       *Status
	EndedAt      *time.Time
	Offer        *Description
	Answer       *Description
	Participants *[]Participant

	ExpectVersion uint64
}

// Apply merges the patch into s and bumps its version.
func (p SessionPatch) Apply(s *CallSession) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		s.EndedAt = &t
	}
	if p.Offer != nil {
		d := *p.Offer
		s.Offer = &d
	}
	if p.Answer != nil {
		d := *p.Answer
		s.Answer = &d
	}
	if p.Participants != nil {
		s.Participants = slices.Clone(*p.Participants)
	}
	s.Version++
}

// Direction identifies which side of the negotiation authored a candidate.
type Direction string

const (
	DirectionOffer  Direction = "offer"
	DirectionAnswer Direction = "answer"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionOffer {
		return DirectionAnswer
	}
	return DirectionOffer
}

// Candidate is one connectivity candidate published by UserID.
type Candidate struct {
	Candidate string `json:"candidate"`
	UserID    string `json:"userId"`
}

// SessionChange is a snapshot delivered to subscribers.
// A nil Session means the record is absent.
type SessionChange struct {
	Session *CallSession
}

// SessionStore handles session record persistence and change notification.
type SessionStore interface {
	// CreateSession stores a new session. An empty ID is replaced with a
	// generated one. Returns the call ID.
	CreateSession(ctx context.Context, s *CallSession) (string, error)

	// GetSession retrieves a session. Returns ErrNotFound when absent.
	GetSession(ctx context.Context, callID string) (*CallSession, error)

	// UpdateSession applies a partial update and returns the stored result.
	// Returns ErrNotFound when absent and ErrVersionConflict when
	// patch.ExpectVersion does not match.
	UpdateSession(ctx context.Context, callID string, patch SessionPatch) (*CallSession, error)

	// SubscribeSession delivers the current snapshot followed by every change.
	SubscribeSession(ctx context.Context, callID string) (<-chan SessionChange, func(), error)

	// SubscribeActiveSessionForChat delivers the newest ringing or connected
	// session for chatID, or a nil Session when there is none.
	SubscribeActiveSessionForChat(ctx context.Context, chatID string) (<-chan SessionChange, func(), error)
}

// CandidateChannel is the append-only per-direction candidate stream.
type CandidateChannel interface {
	// PublishCandidate appends c to the stream of dir for callID.
	PublishCandidate(ctx context.Context, callID string, dir Direction, c Candidate) error

	// SubscribeCandidates delivers already published candidates followed by
	// new ones, in arrival order.
	SubscribeCandidates(ctx context.Context, callID string, dir Direction) (<-chan Candidate, func(), error)
}

// Store aggregates all storage interfaces.
type Store interface {
	SessionStore
	CandidateChannel

	// Close releases the underlying backend.
	Close() error
}
