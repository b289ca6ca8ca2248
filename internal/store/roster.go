package store

import (
	"slices"
	"sort"
)

// AddParticipant appends p unless a participant with the same UserID is
// already present. Reports whether the roster changed.
func AddParticipant(list []Participant, p Participant) ([]Participant, bool) {
	if slices.ContainsFunc(list, func(q Participant) bool { return q.UserID == p.UserID }) {
		return list, false
	}
	out := slices.Clone(list)
	return append(out, p), true
}

// RemoveParticipant drops the entry for userID. Reports whether it was present.
func RemoveParticipant(list []Participant, userID string) ([]Participant, bool) {
	idx := slices.IndexFunc(list, func(q Participant) bool { return q.UserID == userID })
	if idx < 0 {
		return list, false
	}
	out := slices.Clone(list)
	return slices.Delete(out, idx, idx+1), true
}

// UpdateParticipant applies fn to the entry for userID.
// Reports whether the entry exists and was modified.
func UpdateParticipant(list []Participant, userID string, fn func(*Participant)) ([]Participant, bool) {
	idx := slices.IndexFunc(list, func(q Participant) bool { return q.UserID == userID })
	if idx < 0 {
		return list, false
	}
	out := slices.Clone(list)
	before := out[idx]
	fn(&out[idx])
	return out, out[idx] != before
}

// NewestActive returns the most recently started ringing or connected
// session among sessions, or nil.
func NewestActive(sessions []*CallSession) *CallSession {
	active := make([]*CallSession, 0, len(sessions))
	for _, s := range sessions {
		if s != nil && s.Status.IsActive() {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].StartedAt.After(active[j].StartedAt)
	})
	return active[0]
}
