// Package peer wraps the peer connection primitive used by a call. Two
// drivers share one interface: pion for real negotiation and a simulated
// driver with deterministic timing.
package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// SignalingState mirrors the offer/answer state of a connection.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// ConnectionState is the transport state of a connection.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

type EventKind int

const (
	// EventCandidate carries a locally discovered candidate to publish.
	EventCandidate EventKind = iota + 1
	// EventTrack carries a remote track to render.
	EventTrack
	// EventConnectionState reports a transport state change.
	EventConnectionState
)

func (k EventKind) String() string {
	switch k {
	case EventCandidate:
		return "candidate"
	case EventTrack:
		return "track"
	case EventConnectionState:
		return "connection_state"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is emitted by a Driver on its Events channel.
type Event struct {
	Kind      EventKind
	Candidate string
	Track     media.RemoteTrack
	State     ConnectionState
}

// Driver is one peer connection. Methods are safe for concurrent use but the
// call engine drives each driver from a single goroutine.
type Driver interface {
	CreateOffer(ctx context.Context) (store.Description, error)
	CreateAnswer(ctx context.Context) (store.Description, error)
	SetLocalDescription(d store.Description) error
	SetRemoteDescription(d store.Description) error
	// AddICECandidate applies a remote candidate. Candidates received before
	// a remote description are buffered; adding one twice is harmless.
	AddICECandidate(candidate string) error
	AddLocalStream(s *media.Stream) error
	// SetSending pauses or resumes sending of kind without renegotiation.
	SetSending(kind media.Kind, enabled bool) error
	SignalingState() SignalingState
	HasRemoteDescription() bool
	Events() <-chan Event
	Close() error
}

// Factory creates a driver for one call attempt.
type Factory func(ctx context.Context) (Driver, error)

const (
	ModePion      = "pion"
	ModeSimulated = "simulated"
)

// Config selects and tunes the driver implementation.
type Config struct {
	Mode                   string
	ICEServers             []string
	ConnectDelay           time.Duration
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepalive           time.Duration
}

// NewFactory returns a factory for cfg.Mode.
func NewFactory(cfg Config, logger *zerolog.Logger) (Factory, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	switch cfg.Mode {
	case ModePion:
		return func(ctx context.Context) (Driver, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			d, err := NewPion(cfg, logger)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil
	case ModeSimulated, "":
		return func(ctx context.Context) (Driver, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return NewSimulated(cfg.ConnectDelay, logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown peer mode %q", cfg.Mode)
	}
}
