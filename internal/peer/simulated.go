package peer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/feed"
	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

const simulatedCandidatePrefix = "candidate:sim "

// Simulated follows the same signaling rules as a real connection but never
// touches the network. Once both descriptions are applied it reports
// connecting, then connected after the configured delay.
type Simulated struct {
	id    string
	delay time.Duration
	log   *zerolog.Logger

	events *feed.Feed[Event]

	mu         sync.Mutex
	state      SignalingState
	local      *store.Description
	remote     *store.Description
	localKinds []media.Kind
	pending    []string
	applied    []string
	sending    map[media.Kind]bool
	connState  ConnectionState
	timers     []*time.Timer
	candidates int
	closed     bool
}

// NewSimulated returns a driver that connects delay after negotiation
// completes.
func NewSimulated(delay time.Duration, logger *zerolog.Logger) *Simulated {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	id := uuid.New().String()
	sublogger := logger.With().Str("driver", "simulated").Str("peer_id", id).Logger()
	return &Simulated{
		id:        id,
		delay:     delay,
		log:       &sublogger,
		events:    feed.New[Event](),
		state:     SignalingStable,
		sending:   make(map[media.Kind]bool),
		connState: ConnectionNew,
	}
}

func (s *Simulated) CreateOffer(ctx context.Context) (store.Description, error) {
	if err := ctx.Err(); err != nil {
		return store.Description{}, negotiationErr("create offer", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Description{}, negotiationErr("create offer", ErrClosed)
	}
	if s.state != SignalingStable && s.state != SignalingHaveLocalOffer {
		return store.Description{}, negotiationErr("create offer", fmt.Errorf("%w: state %s", ErrWrongState, s.state))
	}
	return store.Description{Type: store.DescriptionOffer, SDP: s.sdpLocked()}, nil
}

func (s *Simulated) CreateAnswer(ctx context.Context) (store.Description, error) {
	if err := ctx.Err(); err != nil {
		return store.Description{}, negotiationErr("create answer", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Description{}, negotiationErr("create answer", ErrClosed)
	}
	if s.state != SignalingHaveRemoteOffer {
		return store.Description{}, negotiationErr("create answer", fmt.Errorf("%w: state %s", ErrWrongState, s.state))
	}
	return store.Description{Type: store.DescriptionAnswer, SDP: s.sdpLocked()}, nil
}

func (s *Simulated) SetLocalDescription(d store.Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return negotiationErr("set local description", ErrClosed)
	}
	if err := validate(d); err != nil {
		return negotiationErr("set local description", err)
	}

	switch {
	case d.Type == store.DescriptionOffer && (s.state == SignalingStable || s.state == SignalingHaveLocalOffer):
		s.state = SignalingHaveLocalOffer
	case d.Type == store.DescriptionAnswer && s.state == SignalingHaveRemoteOffer:
		s.state = SignalingStable
	default:
		return negotiationErr("set local description", fmt.Errorf("%w: %s in state %s", ErrWrongState, d.Type, s.state))
	}

	desc := d
	s.local = &desc
	s.candidates++
	s.events.Push(Event{
		Kind:      EventCandidate,
		Candidate: fmt.Sprintf("%s%s %d udp 2130706431 127.0.0.1 %d typ host", simulatedCandidatePrefix, s.id, s.candidates, 50000+s.candidates),
	})
	s.maybeConnectLocked()
	return nil
}

func (s *Simulated) SetRemoteDescription(d store.Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return negotiationErr("set remote description", ErrClosed)
	}
	if err := validate(d); err != nil {
		return negotiationErr("set remote description", err)
	}

	switch {
	case d.Type == store.DescriptionOffer && s.state == SignalingStable && s.local == nil:
		s.state = SignalingHaveRemoteOffer
	case d.Type == store.DescriptionAnswer && s.state == SignalingHaveLocalOffer:
		s.state = SignalingStable
	default:
		return negotiationErr("set remote description", fmt.Errorf("%w: %s in state %s", ErrWrongState, d.Type, s.state))
	}

	desc := d
	s.remote = &desc
	pending := s.pending
	s.pending = nil
	s.applied = append(s.applied, pending...)
	s.maybeConnectLocked()
	return nil
}

func (s *Simulated) AddICECandidate(candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return negotiationErr("add candidate", ErrClosed)
	}
	if strings.TrimSpace(candidate) == "" {
		return negotiationErr("add candidate", ErrMalformed)
	}
	if s.remote == nil {
		s.pending = append(s.pending, candidate)
		return nil
	}
	s.applied = append(s.applied, candidate)
	return nil
}

func (s *Simulated) AddLocalStream(stream *media.Stream) error {
	if stream == nil {
		return fmt.Errorf("add local stream: nil stream")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, t := range stream.Tracks {
		s.localKinds = append(s.localKinds, t.Kind())
		s.sending[t.Kind()] = true
	}
	return nil
}

func (s *Simulated) SetSending(kind media.Kind, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.sending[kind]; !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	s.sending[kind] = enabled
	return nil
}

func (s *Simulated) SignalingState() SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SignalingClosed
	}
	return s.state
}

func (s *Simulated) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil
}

func (s *Simulated) Events() <-chan Event { return s.events.C() }

// Close stops pending timers and closes the event channel.
func (s *Simulated) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connState = ConnectionClosed
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()

	s.events.Close()
	s.log.Debug().Msg("simulated connection closed")
	return nil
}

// FailAfter reports a connection failure d from now.
func (s *Simulated) FailAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterLocked(d, func() { s.setConnStateLocked(ConnectionFailed) })
}

// AppliedCandidates returns the remote candidates handed to the connection.
func (s *Simulated) AppliedCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

// Sending reports whether kind is currently sent.
func (s *Simulated) Sending(kind media.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending[kind]
}

func (s *Simulated) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

func (s *Simulated) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sdpLocked renders a minimal session description naming the local kinds.
func (s *Simulated) sdpLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %s 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", s.id)
	for _, k := range s.localKinds {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 0\r\n", k)
	}
	if len(s.localKinds) == 0 {
		b.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 0\r\na=recvonly\r\n")
	}
	return b.String()
}

func (s *Simulated) maybeConnectLocked() {
	if s.local == nil || s.remote == nil || s.state != SignalingStable || s.connState != ConnectionNew {
		return
	}
	s.setConnStateLocked(ConnectionConnecting)
	remote := remoteKinds(s.remote.SDP)
	s.afterLocked(s.delay, func() {
		for i, k := range remote {
			s.events.Push(Event{Kind: EventTrack, Track: media.RemoteTrack{
				ID:       fmt.Sprintf("remote-%s-%d", k, i),
				StreamID: "remote",
				Kind:     k,
			}})
		}
		s.setConnStateLocked(ConnectionConnected)
	})
}

// afterLocked runs fn under s.mu after d unless the driver is closed first.
func (s *Simulated) afterLocked(d time.Duration, fn func()) {
	if s.closed {
		return
	}
	s.timers = append(s.timers, time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		fn()
	}))
}

func (s *Simulated) setConnStateLocked(st ConnectionState) {
	if s.connState == st || s.connState == ConnectionFailed || s.connState == ConnectionClosed {
		return
	}
	s.connState = st
	s.events.Push(Event{Kind: EventConnectionState, State: st})
}

func validate(d store.Description) error {
	if d.Type != store.DescriptionOffer && d.Type != store.DescriptionAnswer {
		return fmt.Errorf("%w: type %q", ErrMalformed, d.Type)
	}
	if !strings.HasPrefix(d.SDP, "v=0") {
		return fmt.Errorf("%w: missing version line", ErrMalformed)
	}
	return nil
}

func remoteKinds(sdp string) []media.Kind {
	var kinds []media.Kind
	for _, line := range strings.Split(sdp, "\r\n") {
		switch {
		case strings.HasPrefix(line, "m=audio") && !strings.Contains(sdp, "a=recvonly"):
			kinds = append(kinds, media.KindAudio)
		case strings.HasPrefix(line, "m=video"):
			kinds = append(kinds, media.KindVideo)
		}
	}
	return kinds
}
