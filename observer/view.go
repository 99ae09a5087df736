// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package observer implements the client half of the notification
// protocol: a connection manager that dials the server, survives drops
// with bounded exponential backoff, and maintains a local session view
// by merging full snapshots with incremental events.
package observer

import (
	"sort"
	"time"

	"github.com/msgfleet/msgfleet/wire"
)

// statusRank orders lifecycle states for merge tie-breaking. Later
// states rank higher; between two reports of the same instant the more
// advanced one wins, which keeps the merge commutative.
func statusRank(status string) int {
	switch status {
	case "pending":
		return 1
	case "authenticated":
		return 2
	case "ready":
		return 3
	case "disconnected":
		return 4
	}
	return 0
}

// MergeSummaries resolves two reports of the same session,
// last-writer-wins on the activity stamp. The result is independent
// of argument order: ties on the stamp fall back to status rank, then
// to a lexical comparison, so merging is commutative and idempotent.
func MergeSummaries(a, b wire.SessionSummary) wire.SessionSummary {
	if a.LastActiveAt.After(b.LastActiveAt) {
		return a
	}
	if b.LastActiveAt.After(a.LastActiveAt) {
		return b
	}
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		if ra > rb {
			return a
		}
		return b
	}
	if a.PhoneNumber+"\x00"+a.QRCode >= b.PhoneNumber+"\x00"+b.QRCode {
		return a
	}
	return b
}

// View is the observer's local mirror of the server's session table.
// Full snapshots set its membership authoritatively; incremental
// events update individual sessions in place. Not safe for concurrent
// use; the manager serializes access on its read loop.
type View struct {
	sessions map[string]wire.SessionSummary
}

// NewView returns an empty view.
func NewView() *View {
	return &View{sessions: make(map[string]wire.SessionSummary)}
}

// ApplySnapshot reconciles the view against the server's full list.
// The snapshot decides membership: sessions absent from it are
// dropped. Per-session state goes through MergeSummaries, so a
// snapshot that raced an incremental event cannot roll a session back
// behind state the view already holds.
func (v *View) ApplySnapshot(sessions []wire.SessionSummary) {
	next := make(map[string]wire.SessionSummary, len(sessions))
	for _, summary := range sessions {
		if existing, ok := v.sessions[summary.SessionID]; ok {
			next[summary.SessionID] = MergeSummaries(existing, summary)
		} else {
			next[summary.SessionID] = summary
		}
	}
	v.sessions = next
}

// Apply folds one incremental event into the view. Unknown session
// ids create a stub entry rather than being dropped: the increment
// may outrun the snapshot that introduces the session, and the next
// snapshot reconciles either way. Returns false for message types
// that do not affect the view.
func (v *View) Apply(msg wire.Outbound, now time.Time) bool {
	switch m := msg.(type) {
	case wire.SessionsUpdate:
		v.ApplySnapshot(m.Sessions)
		return true
	case wire.SessionCreated:
		v.upsert(m.SessionID, now, func(s *wire.SessionSummary) {
			s.Status = m.Status
		})
		return true
	case wire.QR:
		v.upsert(m.SessionID, now, func(s *wire.SessionSummary) {
			s.QRCode = m.QRCode
		})
		return true
	case wire.QRExpired:
		v.upsert(m.SessionID, now, func(s *wire.SessionSummary) {
			s.QRCode = ""
		})
		return true
	case wire.Authenticated:
		v.upsert(m.SessionID, now, func(s *wire.SessionSummary) {
			s.Status = "authenticated"
			s.PhoneNumber = m.PhoneNumber
			s.QRCode = ""
		})
		return true
	case wire.Ready:
		v.upsert(m.SessionID, now, func(s *wire.SessionSummary) {
			s.Status = "ready"
		})
		return true
	case wire.Disconnected:
		v.upsert(m.SessionID, now, func(s *wire.SessionSummary) {
			s.Status = "disconnected"
			s.QRCode = ""
		})
		return true
	case wire.SessionsValidated:
		for _, result := range m.Sessions {
			if !result.Exists {
				delete(v.sessions, result.SessionID)
			}
		}
		return true
	}
	return false
}

func (v *View) upsert(sessionID string, now time.Time, mutate func(*wire.SessionSummary)) {
	summary, ok := v.sessions[sessionID]
	if !ok {
		summary = wire.SessionSummary{SessionID: sessionID, Status: "pending"}
	}
	mutate(&summary)
	summary.LastActiveAt = now
	v.sessions[sessionID] = summary
}

// Sessions returns the view's contents ordered by session id.
func (v *View) Sessions() []wire.SessionSummary {
	out := make([]wire.SessionSummary, 0, len(v.sessions))
	for _, summary := range v.sessions {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Len returns the number of sessions in the view.
func (v *View) Len() int { return len(v.sessions) }
