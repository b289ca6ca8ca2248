package store

import (
	"errors"
	"testing"
	"time"
)

func TestStatusRankIsMonotonic(t *testing.T) {
	order := []Status{StatusIdle, StatusRinging, StatusConnected, StatusEnded}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if StatusFailed.Rank() != StatusEnded.Rank() {
		t.Fatalf("failed and ended must share the terminal rank")
	}
	if !StatusFailed.IsTerminal() || StatusConnected.IsTerminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestAddParticipantIsIdempotent(t *testing.T) {
	roster := []Participant{{UserID: "u1"}}

	roster, changed := AddParticipant(roster, Participant{UserID: "u2"})
	if !changed || len(roster) != 2 {
		t.Fatalf("expected u2 appended, got %+v", roster)
	}

	again, changed := AddParticipant(roster, Participant{UserID: "u2", DisplayName: "other"})
	if changed {
		t.Fatalf("second add must not change roster")
	}
	if len(again) != 2 || again[1].DisplayName != "" {
		t.Fatalf("roster mutated: %+v", again)
	}
}

func TestRemoveParticipantRemovesOnlyThatUser(t *testing.T) {
	roster := []Participant{{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"}}

	out, removed := RemoveParticipant(roster, "u2")
	if !removed {
		t.Fatal("expected u2 removed")
	}
	if len(out) != 2 || out[0].UserID != "u1" || out[1].UserID != "u3" {
		t.Fatalf("unexpected roster: %+v", out)
	}
	if len(roster) != 3 {
		t.Fatalf("input slice must not be modified: %+v", roster)
	}

	if _, removed := RemoveParticipant(out, "ghost"); removed {
		t.Fatal("removing unknown user must report false")
	}
}

func TestUpdateParticipant(t *testing.T) {
	roster := []Participant{{UserID: "u1", CameraEnabled: true}}

	out, changed := UpdateParticipant(roster, "u1", func(p *Participant) { p.Muted = true })
	if !changed || !out[0].Muted {
		t.Fatalf("expected muted entry, got %+v", out)
	}
	if _, changed := UpdateParticipant(out, "u1", func(p *Participant) { p.Muted = true }); changed {
		t.Fatal("no-op update must report unchanged")
	}
}

func TestPatchApplyBumpsVersion(t *testing.T) {
	now := time.Now()
	s := &CallSession{ID: "c1", Status: StatusRinging, Version: 3}
	ended := StatusEnded
	roster := []Participant{}

	SessionPatch{Status: &ended, EndedAt: &now, Participants: &roster}.Apply(s)

	if s.Status != StatusEnded || s.EndedAt == nil || !s.EndedAt.Equal(now) {
		t.Fatalf("patch not applied: %+v", s)
	}
	if s.Version != 4 {
		t.Fatalf("expected version 4, got %d", s.Version)
	}
	if s.Participants == nil || len(s.Participants) != 0 {
		t.Fatalf("expected empty roster, got %+v", s.Participants)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := &CallSession{
		Participants: []Participant{{UserID: "u1"}},
		Offer:        &Description{Type: DescriptionOffer, SDP: "v=0"},
	}
	c := s.Clone()
	c.Participants[0].UserID = "changed"
	c.Offer.SDP = "changed"

	if s.Participants[0].UserID != "u1" || s.Offer.SDP != "v=0" {
		t.Fatalf("clone shares memory with original: %+v", s)
	}
}

func TestNewestActive(t *testing.T) {
	base := time.Now()
	sessions := []*CallSession{
		{ID: "old", Status: StatusRinging, StartedAt: base},
		{ID: "ended", Status: StatusEnded, StartedAt: base.Add(2 * time.Minute)},
		{ID: "new", Status: StatusConnected, StartedAt: base.Add(time.Minute)},
	}
	if got := NewestActive(sessions); got == nil || got.ID != "new" {
		t.Fatalf("expected newest active session, got %+v", got)
	}
	if got := NewestActive(sessions[1:2]); got != nil {
		t.Fatalf("expected nil for only terminal sessions, got %+v", got)
	}
}

func TestWrapTransportKeepsSentinels(t *testing.T) {
	if err := WrapTransport("get", ErrNotFound); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var te *TransportError
	if err := WrapTransport("update", errors.New("boom")); !errors.As(err, &te) || te.Op != "update" {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if WrapTransport("noop", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
