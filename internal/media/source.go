package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Source opens local tracks.
type Source interface {
	Open(ctx context.Context, c Constraints) ([]Track, error)
}

const (
	SourceDevice    = "device"
	SourceSynthetic = "synthetic"
)

// NewSource returns the source named by mode.
func NewSource(mode string, logger *zerolog.Logger) (Source, error) {
	switch mode {
	case SourceDevice:
		return NewDeviceSource(logger), nil
	case SourceSynthetic, "":
		return NewSyntheticSource(), nil
	default:
		return nil, fmt.Errorf("unknown media source %q", mode)
	}
}

// DeviceSource captures camera and microphone through pion/mediadevices.
// Open is implemented per platform.
type DeviceSource struct {
	log *zerolog.Logger
}

func NewDeviceSource(logger *zerolog.Logger) *DeviceSource {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DeviceSource{log: logger}
}

// SyntheticSource hands out sample tracks that are never fed with media.
// They negotiate like real tracks, which is all signaling needs.
type SyntheticSource struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	opens int
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

// FailWith makes subsequent opens fail with err. nil restores success.
func (s *SyntheticSource) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SetDelay makes opens take d, or until ctx is done.
func (s *SyntheticSource) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Opens returns how many times Open was called.
func (s *SyntheticSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *SyntheticSource) Open(ctx context.Context, c Constraints) ([]Track, error) {
	s.mu.Lock()
	s.opens++
	err, delay := s.err, s.delay
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("no media kind requested")
	}

	streamID := uuid.New().String()
	var tracks []Track
	if c.Audio {
		t, err := syntheticTrack(KindAudio, webrtc.MimeTypeOpus, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := syntheticTrack(KindVideo, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func syntheticTrack(kind Kind, mime, streamID string) (Track, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.New().String())
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return newLocalTrack(id, kind, local, nil), nil
}
