package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotAcquired = errors.New("media not acquired")
	ErrReleased    = errors.New("media released during acquisition")
	ErrUnsupported = errors.New("media capture not supported on this platform")
)

// AcquisitionError reports that local devices could not be opened, e.g.
// permission denied or no device present.
type AcquisitionError struct {
	Constraints Constraints
	Err         error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire media (audio=%t video=%t): %v", e.Constraints.Audio, e.Constraints.Video, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Manager holds at most one local stream at a time.
type Manager struct {
	src Source
	log *zerolog.Logger

	mu      sync.Mutex
	stream  *Stream
	opening *openOp
	// gen changes on every Release so an open that started earlier can
	// tell it has been superseded.
	gen uint64
}

type openOp struct {
	done   chan struct{}
	stream *Stream
	err    error
}

// NewManager creates a Manager that opens tracks from src.
func NewManager(src Source, logger *zerolog.Logger) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{src: src, log: logger}
}

// Acquire opens local tracks. It returns the held stream when one exists and
// joins an open already in flight instead of opening the devices twice.
func (m *Manager) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	m.mu.Lock()
	if m.stream != nil {
		s := m.stream
		m.mu.Unlock()
		return s, nil
	}
	if op := m.opening; op != nil {
		m.mu.Unlock()
		select {
		case <-op.done:
			return op.stream, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &openOp{done: make(chan struct{})}
	m.opening = op
	gen := m.gen
	m.mu.Unlock()

	tracks, err := m.src.Open(ctx, c)

	m.mu.Lock()
	if m.opening == op {
		m.opening = nil
	}
	switch {
	case err != nil:
		op.err = &AcquisitionError{Constraints: c, Err: err}
	case m.gen != gen:
		op.err = ErrReleased
	default:
		m.stream = &Stream{ID: uuid.New().String(), Tracks: tracks}
		op.stream = m.stream
	}
	m.mu.Unlock()
	close(op.done)

	if errors.Is(op.err, ErrReleased) {
		stopTracks(m.log, tracks)
		m.log.Debug().Int("tracks", len(tracks)).Msg("released media opened after release")
	}
	if op.stream != nil {
		m.log.Debug().Str("stream_id", op.stream.ID).Int("tracks", len(tracks)).Msg("media acquired")
	}
	return op.stream, op.err
}

// SetTrackEnabled toggles every held track of kind.
func (m *Manager) SetTrackEnabled(kind Kind, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return ErrNotAcquired
	}
	for _, t := range m.stream.TracksOf(kind) {
		t.SetEnabled(enabled)
	}
	return nil
}

// Release stops every held track. Calling it again is a no-op. An open that
// is still in flight stops its own tracks when it completes.
func (m *Manager) Release() {
	m.mu.Lock()
	m.gen++
	s := m.stream
	m.stream = nil
	m.opening = nil
	m.mu.Unlock()

	if s == nil {
		return
	}
	stopTracks(m.log, s.Tracks)
	m.log.Debug().Str("stream_id", s.ID).Msg("media released")
}

// Acquired reports whether a stream is held.
func (m *Manager) Acquired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Stream returns the held stream or nil.
func (m *Manager) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func stopTracks(logger *zerolog.Logger, tracks []Track) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			logger.Warn().Err(err).Str("track_id", t.ID()).Msg("stop track failed")
		}
	}
}
