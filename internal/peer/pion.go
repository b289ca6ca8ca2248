package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/feed"
	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

type senderBinding struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Pion is a Driver backed by a pion/webrtc PeerConnection.
type Pion struct {
	pc     *webrtc.PeerConnection
	log    *zerolog.Logger
	events *feed.Feed[Event]

	mu          sync.Mutex
	pending     []webrtc.ICECandidateInit
	senders     map[media.Kind][]senderBinding
	transceived bool
	closed      bool
}

// NewPion builds a PeerConnection with default codecs and interceptors.
func NewPion(cfg Config, logger *zerolog.Logger) (*Pion, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.ICEDisconnectedTimeout > 0 && cfg.ICEFailedTimeout > 0 && cfg.ICEKeepalive > 0 {
		se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepalive)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sublogger := logger.With().Str("driver", "pion").Logger()
	p := &Pion{
		pc:      pc,
		log:     &sublogger,
		events:  feed.New[Event](),
		senders: make(map[media.Kind][]senderBinding),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.log.Warn().Err(err).Msg("encode local candidate")
			return
		}
		p.events.Push(Event{Kind: EventCandidate, Candidate: string(data)})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.events.Push(Event{Kind: EventTrack, Track: media.RemoteTrack{
			ID:       tr.ID(),
			StreamID: tr.StreamID(),
			Kind:     media.KindFromCodecType(tr.Kind()),
			Remote:   tr,
		}})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("connection state changed")
		p.events.Push(Event{Kind: EventConnectionState, State: connectionState(state)})
	})

	return p, nil
}

func (p *Pion) CreateOffer(ctx context.Context) (store.Description, error) {
	if err := ctx.Err(); err != nil {
		return store.Description{}, negotiationErr("create offer", err)
	}
	p.ensureTransceivers()
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return store.Description{}, negotiationErr("create offer", p.classify(err))
	}
	return store.Description{Type: store.DescriptionOffer, SDP: offer.SDP}, nil
}

func (p *Pion) CreateAnswer(ctx context.Context) (store.Description, error) {
	if err := ctx.Err(); err != nil {
		return store.Description{}, negotiationErr("create answer", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return store.Description{}, negotiationErr("create answer", p.classify(err))
	}
	return store.Description{Type: store.DescriptionAnswer, SDP: answer.SDP}, nil
}

func (p *Pion) SetLocalDescription(d store.Description) error {
	sd, err := toSessionDescription(d)
	if err != nil {
		return negotiationErr("set local description", err)
	}
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return negotiationErr("set local description", p.classify(err))
	}
	return nil
}

func (p *Pion) SetRemoteDescription(d store.Description) error {
	sd, err := toSessionDescription(d)
	if err != nil {
		return negotiationErr("set remote description", err)
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return negotiationErr("set remote description", p.classify(err))
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("apply buffered candidate")
		}
	}
	return nil
}

// AddICECandidate accepts either a JSON ICECandidateInit or a bare
// "candidate:" line.
func (p *Pion) AddICECandidate(candidate string) error {
	init, err := parseCandidate(candidate)
	if err != nil {
		return negotiationErr("add candidate", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return negotiationErr("add candidate", ErrClosed)
	}
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return negotiationErr("add candidate", p.classify(err))
	}
	return nil
}

func (p *Pion) AddLocalStream(s *media.Stream) error {
	if s == nil {
		return fmt.Errorf("add local stream: nil stream")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range s.Tracks {
		sender, err := p.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		p.senders[t.Kind()] = append(p.senders[t.Kind()], senderBinding{sender: sender, track: t.Local()})
	}
	return nil
}

// SetSending swaps the sender's track for nil and back, which pauses RTP
// without touching the negotiated session.
func (p *Pion) SetSending(kind media.Kind, enabled bool) error {
	p.mu.Lock()
	bindings := p.senders[kind]
	p.mu.Unlock()
	if len(bindings) == 0 {
		return fmt.Errorf("no %s sender", kind)
	}
	for _, b := range bindings {
		var track webrtc.TrackLocal
		if enabled {
			track = b.track
		}
		if err := b.sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
	}
	return nil
}

func (p *Pion) SignalingState() SignalingState {
	switch p.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return SignalingClosed
	default:
		return SignalingStable
	}
}

func (p *Pion) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Pion) Events() <-chan Event { return p.events.C() }

func (p *Pion) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()

	err := p.pc.Close()
	p.events.Close()
	if err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// ensureTransceivers adds recvonly transceivers when nothing is sent so the
// offer still carries m-lines with ICE credentials.
func (p *Pion) ensureTransceivers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transceived || len(p.senders) > 0 {
		return
	}
	p.transceived = true
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			p.log.Warn().Err(err).Str("kind", kind.String()).Msg("add recvonly transceiver")
		}
	}
}

func (p *Pion) classify(err error) error {
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func toSessionDescription(d store.Description) (webrtc.SessionDescription, error) {
	if strings.TrimSpace(d.SDP) == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrMalformed)
	}
	switch d.Type {
	case store.DescriptionOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}, nil
	case store.DescriptionAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: type %q", ErrMalformed, d.Type)
	}
}

func parseCandidate(raw string) (webrtc.ICECandidateInit, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return webrtc.ICECandidateInit{}, ErrMalformed
	}
	if strings.HasPrefix(raw, "{") {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(raw), &init); err != nil {
			return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return init, nil
	}
	return webrtc.ICECandidateInit{Candidate: raw}, nil
}

func connectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}

var (
	_ Driver = (*Pion)(nil)
	_ Driver = (*Simulated)(nil)
)
