// Package media owns local capture handles for a call and the remote tracks
// received for it.
package media

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindFromCodecType maps a pion codec type to a Kind.
func KindFromCodecType(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Constraints selects which devices to open.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
	// Local is what the peer connection sends.
	Local() webrtc.TrackLocal
}

// Stream is the handle returned by Manager.Acquire.
type Stream struct {
	ID     string
	Tracks []Track
}

// TracksOf returns the tracks of the given kind.
func (s *Stream) TracksOf(kind Kind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// HasKind reports whether the stream carries at least one track of kind.
func (s *Stream) HasKind(kind Kind) bool {
	return len(s.TracksOf(kind)) > 0
}

// localTrack adapts a pion TrackLocal into a Track. closeFn releases the
// underlying device, if any.
type localTrack struct {
	id      string
	kind    Kind
	local   webrtc.TrackLocal
	enabled atomic.Bool
	closeFn func() error

	stopOnce sync.Once
	stopErr  error
}

func newLocalTrack(id string, kind Kind, local webrtc.TrackLocal, closeFn func() error) *localTrack {
	t := &localTrack{id: id, kind: kind, local: local, closeFn: closeFn}
	t.enabled.Store(true)
	return t
}

func (t *localTrack) ID() string               { return t.id }
func (t *localTrack) Kind() Kind               { return t.kind }
func (t *localTrack) Enabled() bool            { return t.enabled.Load() }
func (t *localTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *localTrack) Local() webrtc.TrackLocal { return t.local }

// Stop disables the track and releases its device once.
func (t *localTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.enabled.Store(false)
		if t.closeFn != nil {
			t.stopErr = t.closeFn()
		}
	})
	return t.stopErr
}

// RemoteTrack is an inbound track handle for rendering.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     Kind
	Remote   *webrtc.TrackRemote
}

// RemoteStream collects inbound tracks keyed by track ID.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks map[string]RemoteTrack
}

// NewRemoteStream returns an empty RemoteStream.
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{tracks: make(map[string]RemoteTrack)}
}

// Add records t and reports whether it was new.
func (r *RemoteStream) Add(t RemoteTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracks[t.ID]; ok {
		return false
	}
	r.tracks[t.ID] = t
	return true
}

// Tracks returns the tracks ordered by ID.
func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteTrack, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *RemoteStream) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

// Clear drops every track.
func (r *RemoteStream) Clear() {
	r.mu.Lock()
	r.tracks = make(map[string]RemoteTrack)
	r.mu.Unlock()
}
