package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-calls/internal/media"
	"github.com/vovakirdan/wirechat-calls/internal/store"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func mustEvent(t *testing.T, d Driver, kind EventKind) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-d.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func mustState(t *testing.T, d Driver, want ConnectionState) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-d.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", want)
			}
			if ev.Kind == EventConnectionState && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func localStream(t *testing.T, c media.Constraints) *media.Stream {
	t.Helper()
	tracks, err := media.NewSyntheticSource().Open(context.Background(), c)
	if err != nil {
		t.Fatalf("open synthetic tracks: %v", err)
	}
	return &media.Stream{ID: "local", Tracks: tracks}
}

// negotiate runs a full offer/answer between two drivers.
func negotiate(t *testing.T, caller, callee Driver) {
	t.Helper()
	ctx := context.Background()

	offer, err := caller.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := caller.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote offer: %v", err)
	}
	answer, err := callee.CreateAnswer(ctx)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := callee.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}
}

func TestSimulatedNegotiationConnects(t *testing.T) {
	caller := NewSimulated(10*time.Millisecond, nil)
	callee := NewSimulated(10*time.Millisecond, nil)
	defer caller.Close()
	defer callee.Close()

	if err := caller.AddLocalStream(localStream(t, media.Constraints{Audio: true, Video: true})); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	negotiate(t, caller, callee)

	if caller.SignalingState() != SignalingStable || callee.SignalingState() != SignalingStable {
		t.Fatalf("expected stable, got %s / %s", caller.SignalingState(), callee.SignalingState())
	}
	if ev := mustEvent(t, caller, EventCandidate); ev.Candidate == "" {
		t.Fatal("expected a local candidate")
	}
	mustState(t, caller, ConnectionConnected)

	track := mustEvent(t, callee, EventTrack)
	if track.Track.Kind != media.KindAudio {
		t.Fatalf("expected remote audio first, got %s", track.Track.Kind)
	}
	mustState(t, callee, ConnectionConnected)
}

func TestSimulatedAnswerInStableIsRejected(t *testing.T) {
	caller := NewSimulated(time.Millisecond, nil)
	callee := NewSimulated(time.Millisecond, nil)
	defer caller.Close()
	defer callee.Close()

	negotiate(t, caller, callee)

	answer := store.Description{Type: store.DescriptionAnswer, SDP: "v=0\r\n"}
	err := caller.SetRemoteDescription(answer)
	var ne *NegotiationError
	if !errors.As(err, &ne) || !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected wrong-state NegotiationError, got %v", err)
	}
	if caller.SignalingState() != SignalingStable {
		t.Fatalf("state regressed to %s", caller.SignalingState())
	}
}

func TestSimulatedMalformedDescription(t *testing.T) {
	d := NewSimulated(time.Millisecond, nil)
	defer d.Close()

	err := d.SetRemoteDescription(store.Description{Type: store.DescriptionOffer, SDP: "garbage"})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if d.HasRemoteDescription() {
		t.Fatal("malformed description must not be applied")
	}
}

func TestSimulatedBuffersCandidates(t *testing.T) {
	caller := NewSimulated(time.Millisecond, nil)
	callee := NewSimulated(time.Millisecond, nil)
	defer caller.Close()
	defer callee.Close()

	if err := callee.AddICECandidate("candidate:early"); err != nil {
		t.Fatalf("add candidate: %v", err)
	}
	if got := callee.AppliedCandidates(); len(got) != 0 {
		t.Fatalf("candidate applied before remote description: %v", got)
	}

	negotiate(t, caller, callee)

	if err := callee.AddICECandidate("candidate:late"); err != nil {
		t.Fatalf("add candidate: %v", err)
	}
	if err := callee.AddICECandidate("candidate:late"); err != nil {
		t.Fatalf("duplicate candidate should be harmless: %v", err)
	}
	got := callee.AppliedCandidates()
	if len(got) != 3 || got[0] != "candidate:early" || got[1] != "candidate:late" {
		t.Fatalf("unexpected applied candidates: %v", got)
	}
}

func TestSimulatedFailAfter(t *testing.T) {
	d := NewSimulated(time.Hour, nil)
	defer d.Close()

	d.FailAfter(5 * time.Millisecond)
	mustState(t, d, ConnectionFailed)
}

func TestSimulatedCloseIsIdempotent(t *testing.T) {
	d := NewSimulated(time.Millisecond, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if d.SignalingState() != SignalingClosed {
		t.Fatalf("expected closed, got %s", d.SignalingState())
	}
	if _, err := d.CreateOffer(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-d.Events(); ok {
		t.Fatal("expected events channel closed")
	}
}

func TestSimulatedSetSending(t *testing.T) {
	d := NewSimulated(time.Millisecond, nil)
	defer d.Close()

	if err := d.SetSending(media.KindAudio, false); err == nil {
		t.Fatal("expected error without a local stream")
	}
	if err := d.AddLocalStream(localStream(t, media.Constraints{Audio: true})); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	if err := d.SetSending(media.KindAudio, false); err != nil {
		t.Fatalf("set sending: %v", err)
	}
	if d.Sending(media.KindAudio) {
		t.Fatal("expected audio paused")
	}
}

func TestPionOfferAnswer(t *testing.T) {
	caller, err := NewPion(Config{Mode: ModePion}, testLogger())
	if err != nil {
		t.Fatalf("new caller: %v", err)
	}
	defer caller.Close()
	callee, err := NewPion(Config{Mode: ModePion}, testLogger())
	if err != nil {
		t.Fatalf("new callee: %v", err)
	}
	defer callee.Close()

	if err := caller.AddLocalStream(localStream(t, media.Constraints{Audio: true})); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	if err := callee.AddICECandidate(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`); err != nil {
		t.Fatalf("buffer candidate: %v", err)
	}

	negotiate(t, caller, callee)

	if caller.SignalingState() != SignalingStable || !caller.HasRemoteDescription() {
		t.Fatalf("caller not stable after answer: %s", caller.SignalingState())
	}
	if err := caller.SetSending(media.KindAudio, false); err != nil {
		t.Fatalf("pause audio: %v", err)
	}
	if err := caller.SetSending(media.KindAudio, true); err != nil {
		t.Fatalf("resume audio: %v", err)
	}

	err = caller.SetRemoteDescription(store.Description{Type: store.DescriptionAnswer, SDP: "v=0\r\n"})
	var ne *NegotiationError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NegotiationError for answer in stable, got %v", err)
	}
}

func TestParseCandidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "json", raw: `{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`, want: "candidate:1 1 udp 1 10.0.0.1 9 typ host"},
		{name: "bare", raw: "candidate:2 1 udp 1 10.0.0.2 9 typ host", want: "candidate:2 1 udp 1 10.0.0.2 9 typ host"},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "broken json", raw: "{", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCandidate(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Candidate != tt.want {
				t.Fatalf("got %q, want %q", got.Candidate, tt.want)
			}
		})
	}
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory(Config{Mode: ModeSimulated}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	d, err := f(context.Background())
	if err != nil {
		t.Fatalf("create driver: %v", err)
	}
	defer d.Close()
	if _, ok := d.(*Simulated); !ok {
		t.Fatalf("expected simulated driver, got %T", d)
	}

	if _, err := NewFactory(Config{Mode: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
