package callengine

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/wirechat-calls/internal/store"
)

// maxWriteAttempts bounds optimistic read-modify-write retries.
const maxWriteAttempts = 5

// mutateFunc computes a patch from the current record. A nil patch means
// nothing needs to be written.
type mutateFunc func(s *store.CallSession) (*store.SessionPatch, error)

// mutateSession re-reads the record before every attempt and writes with
// ExpectVersion so concurrent writers never lose each other's changes.
func mutateSession(ctx context.Context, st store.SessionStore, callID string, fn mutateFunc, onConflict func()) (*store.CallSession, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := st.GetSession(ctx, callID)
		if err != nil {
			return nil, err
		}
		patch, err := fn(current)
		if err != nil {
			return current, err
		}
		if patch == nil {
			return current, nil
		}
		patch.ExpectVersion = current.Version

		updated, err := st.UpdateSession(ctx, callID, *patch)
		if errors.Is(err, store.ErrVersionConflict) {
			lastErr = err
			if onConflict != nil {
				onConflict()
			}
			continue
		}
		return updated, err
	}
	return nil, lastErr
}

// JoinCall adds p to the roster. Joining twice leaves the roster unchanged.
func JoinCall(ctx context.Context, st store.SessionStore, callID string, p store.Participant) (*store.CallSession, error) {
	return mutateSession(ctx, st, callID, func(s *store.CallSession) (*store.SessionPatch, error) {
		if s.Status.IsTerminal() {
			return nil, ErrSessionTerminal
		}
		roster, added := store.AddParticipant(s.Participants, p)
		if !added {
			return nil, nil
		}
		return &store.SessionPatch{Participants: &roster}, nil
	}, nil)
}

// LeaveCall removes userID from the roster and ends the session when nobody
// is left.
func LeaveCall(ctx context.Context, st store.SessionStore, callID, userID string, now time.Time) (*store.CallSession, error) {
	return mutateSession(ctx, st, callID, func(s *store.CallSession) (*store.SessionPatch, error) {
		if s.Status.IsTerminal() {
			return nil, ErrSessionTerminal
		}
		roster, removed := store.RemoveParticipant(s.Participants, userID)
		if !removed {
			return nil, nil
		}
		patch := &store.SessionPatch{Participants: &roster}
		if len(roster) == 0 {
			ended := store.StatusEnded
			endedAt := now
			patch.Status = &ended
			patch.EndedAt = &endedAt
		}
		return patch, nil
	}, nil)
}

// finishSession writes a terminal status unless the record is already
// terminal or gone. It reports whether a write happened.
func finishSession(ctx context.Context, st store.SessionStore, callID string, status store.Status, now time.Time, onConflict func()) (bool, error) {
	wrote := false
	_, err := mutateSession(ctx, st, callID, func(s *store.CallSession) (*store.SessionPatch, error) {
		wrote = !s.Status.IsTerminal()
		if !wrote {
			return nil, nil
		}
		endedAt := now
		return &store.SessionPatch{Status: &status, EndedAt: &endedAt}, nil
	}, onConflict)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return wrote, nil
}

// updateSelf applies fn to userID's roster entry if present.
func updateSelf(ctx context.Context, st store.SessionStore, callID, userID string, fn func(*store.Participant), onConflict func()) error {
	_, err := mutateSession(ctx, st, callID, func(s *store.CallSession) (*store.SessionPatch, error) {
		if s.Status.IsTerminal() {
			return nil, nil
		}
		roster, changed := store.UpdateParticipant(s.Participants, userID, fn)
		if !changed {
			return nil, nil
		}
		return &store.SessionPatch{Participants: &roster}, nil
	}, onConflict)
	return err
}
