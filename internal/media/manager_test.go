package media

import (
	"context"
	"errors"
	"testing"
	"time"
)

// gatedSource blocks Open until release is closed.
type gatedSource struct {
	inner   *SyntheticSource
	started chan struct{}
	release chan struct{}
	tracks  chan []Track
}

func newGatedSource() *gatedSource {
	return &gatedSource{
		inner:   NewSyntheticSource(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		tracks:  make(chan []Track, 1),
	}
}

func (g *gatedSource) Open(ctx context.Context, c Constraints) ([]Track, error) {
	g.started <- struct{}{}
	<-g.release
	tracks, err := g.inner.Open(ctx, c)
	g.tracks <- tracks
	return tracks, err
}

func TestAcquireIsIdempotent(t *testing.T) {
	src := NewSyntheticSource()
	m := NewManager(src, nil)

	first, err := m.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(first.Tracks) != 2 || !first.HasKind(KindAudio) || !first.HasKind(KindVideo) {
		t.Fatalf("unexpected tracks: %+v", first.Tracks)
	}

	second, err := m.Acquire(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != first {
		t.Fatal("expected the held stream to be returned")
	}
	if src.Opens() != 1 {
		t.Fatalf("expected one open, got %d", src.Opens())
	}
}

func TestConcurrentAcquireSharesOpen(t *testing.T) {
	src := newGatedSource()
	m := NewManager(src, nil)

	results := make(chan *Stream, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := m.Acquire(context.Background(), Constraints{Audio: true})
			if err != nil {
				t.Errorf("acquire: %v", err)
			}
			results <- s
		}()
	}

	<-src.started
	close(src.release)

	a, b := <-results, <-results
	if a == nil || a != b {
		t.Fatalf("expected shared stream, got %p and %p", a, b)
	}
	if src.inner.Opens() != 1 {
		t.Fatalf("expected one open, got %d", src.inner.Opens())
	}
}

func TestAcquireFailureIsAcquisitionError(t *testing.T) {
	src := NewSyntheticSource()
	denied := errors.New("permission denied")
	src.FailWith(denied)
	m := NewManager(src, nil)

	_, err := m.Acquire(context.Background(), Constraints{Audio: true})
	var ae *AcquisitionError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AcquisitionError, got %v", err)
	}
	if !errors.Is(err, denied) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}
	if m.Acquired() {
		t.Fatal("nothing should be held after a failed open")
	}

	src.FailWith(nil)
	if _, err := m.Acquire(context.Background(), Constraints{Audio: true}); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestReleaseStopsTracksAndIsIdempotent(t *testing.T) {
	m := NewManager(NewSyntheticSource(), nil)
	s, err := m.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.Release()
	m.Release()

	if m.Acquired() {
		t.Fatal("expected nothing held after release")
	}
	for _, tr := range s.Tracks {
		if tr.Enabled() {
			t.Fatalf("track %s still enabled after release", tr.ID())
		}
	}
	if err := m.SetTrackEnabled(KindAudio, true); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestReleaseDuringOpenDiscardsResult(t *testing.T) {
	src := newGatedSource()
	m := NewManager(src, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), Constraints{Audio: true, Video: true})
		errCh <- err
	}()

	<-src.started
	m.Release()
	close(src.release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReleased) {
			t.Fatalf("expected ErrReleased, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return")
	}

	if m.Acquired() {
		t.Fatal("late open must not be adopted")
	}
	for _, tr := range <-src.tracks {
		if tr.Enabled() {
			t.Fatalf("late track %s left enabled", tr.ID())
		}
	}
}

func TestSetTrackEnabled(t *testing.T) {
	m := NewManager(NewSyntheticSource(), nil)
	s, err := m.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := m.SetTrackEnabled(KindAudio, false); err != nil {
		t.Fatalf("disable audio: %v", err)
	}
	for _, tr := range s.Tracks {
		want := tr.Kind() != KindAudio
		if tr.Enabled() != want {
			t.Fatalf("track %s enabled=%t, want %t", tr.ID(), tr.Enabled(), want)
		}
	}
}

func TestRemoteStream(t *testing.T) {
	r := NewRemoteStream()
	if !r.Add(RemoteTrack{ID: "b", Kind: KindVideo}) || !r.Add(RemoteTrack{ID: "a", Kind: KindAudio}) {
		t.Fatal("expected new tracks to be added")
	}
	if r.Add(RemoteTrack{ID: "a"}) {
		t.Fatal("duplicate track should not be added")
	}
	tracks := r.Tracks()
	if len(tracks) != 2 || tracks[0].ID != "a" || tracks[1].ID != "b" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected empty stream, got %d", r.Len())
	}
}

func TestNewSource(t *testing.T) {
	if _, err := NewSource(SourceSynthetic, nil); err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	if _, err := NewSource("webcam", nil); err == nil {
		t.Fatal("expected error for unknown source")
	}
}
