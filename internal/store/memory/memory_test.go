package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-calls/internal/store"
)

func mustChange(t *testing.T, ch <-chan store.SessionChange) store.SessionChange {
	t.Helper()

	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected session change not received")
	}
	return store.SessionChange{}
}

func newRinging(chatID string) *store.CallSession {
	return &store.CallSession{
		ChatID:       chatID,
		InitiatorID:  "u1",
		Participants: []store.Participant{{UserID: "u1"}},
		Type:         store.CallTypeVideo,
		Status:       store.StatusRinging,
		StartedAt:    time.Now(),
		Offer:        &store.Description{Type: store.DescriptionOffer, SDP: "v=0"},
	}
}

func TestCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Close()

	id, err := m.CreateSession(ctx, newRinging("chat-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	got, err := m.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Status != store.StatusRinging {
		t.Fatalf("unexpected record: %+v", got)
	}

	connected := store.StatusConnected
	updated, err := m.UpdateSession(ctx, id, store.SessionPatch{
		Status: &connected,
		Answer: &store.Description{Type: store.DescriptionAnswer, SDP: "v=0 answer"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Answer.IsZero() || updated.Status != store.StatusConnected {
		t.Fatalf("unexpected updated record: %+v", updated)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	m := New()
	defer m.Close()

	_, err := m.UpdateSession(context.Background(), "ghost", store.SessionPatch{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetSession(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalUpdateConflict(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Close()

	id, _ := m.CreateSession(ctx, newRinging("chat-1"))
	roster := []store.Participant{{UserID: "u1"}, {UserID: "u2"}}

	if _, err := m.UpdateSession(ctx, id, store.SessionPatch{Participants: &roster, ExpectVersion: 1}); err != nil {
		t.Fatalf("first conditional update: %v", err)
	}
	if _, err := m.UpdateSession(ctx, id, store.SessionPatch{Participants: &roster, ExpectVersion: 1}); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestSubscribeSessionDeliversSnapshotThenChanges(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Close()

	id, _ := m.CreateSession(ctx, newRinging("chat-1"))

	ch, cancel, err := m.SubscribeSession(ctx, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	first := mustChange(t, ch)
	if first.Session == nil || first.Session.Version != 1 {
		t.Fatalf("expected initial snapshot, got %+v", first.Session)
	}

	ended := store.StatusEnded
	if _, err := m.UpdateSession(ctx, id, store.SessionPatch{Status: &ended}); err != nil {
		t.Fatalf("update: %v", err)
	}
	second := mustChange(t, ch)
	if second.Session == nil || second.Session.Status != store.StatusEnded {
		t.Fatalf("expected ended snapshot, got %+v", second.Session)
	}

	if err := m.DeleteSession(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if third := mustChange(t, ch); third.Session != nil {
		t.Fatalf("expected nil session after delete, got %+v", third.Session)
	}
}

func TestSubscribeActiveSessionForChat(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Close()

	ch, cancel, err := m.SubscribeActiveSessionForChat(ctx, "chat-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if c := mustChange(t, ch); c.Session != nil {
		t.Fatalf("expected no active session, got %+v", c.Session)
	}

	id, _ := m.CreateSession(ctx, newRinging("chat-1"))
	if c := mustChange(t, ch); c.Session == nil || c.Session.ID != id {
		t.Fatalf("expected active session %s, got %+v", id, c.Session)
	}

	// Writes to other chats are not delivered.
	if _, err := m.CreateSession(ctx, newRinging("chat-2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	ended := store.StatusEnded
	if _, err := m.UpdateSession(ctx, id, store.SessionPatch{Status: &ended}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if c := mustChange(t, ch); c.Session != nil {
		t.Fatalf("expected no active session after end, got %+v", c.Session)
	}
}

func TestCandidatesReplayAndOrder(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Close()

	id, _ := m.CreateSession(ctx, newRinging("chat-1"))
	for _, c := range []string{"c1", "c2"} {
		if err := m.PublishCandidate(ctx, id, store.DirectionOffer, store.Candidate{Candidate: c, UserID: "u1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ch, cancel, err := m.SubscribeCandidates(ctx, id, store.DirectionOffer)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := m.PublishCandidate(ctx, id, store.DirectionOffer, store.Candidate{Candidate: "c3", UserID: "u1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Other direction must not leak into this stream.
	if err := m.PublishCandidate(ctx, id, store.DirectionAnswer, store.Candidate{Candidate: "a1", UserID: "u2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, want := range []string{"c1", "c2", "c3"} {
		select {
		case got := <-ch:
			if got.Candidate != want {
				t.Fatalf("expected %s, got %s", want, got.Candidate)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	m := New()
	defer m.Close()

	ch, _, err := m.SubscribeSession(ctx, "ghost")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mustChange(t, ch)
	cancelCtx()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed on context cancel")
	}
}

func TestFailWrites(t *testing.T) {
	m := New()
	defer m.Close()
	m.FailWrites(errors.New("offline"))

	_, err := m.CreateSession(context.Background(), newRinging("chat-1"))
	var te *store.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
