// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements msgfleet's core: the session registry,
// the lifecycle coordinator, and the notification fan-out hub.
//
// A session is one tracked connection lifecycle to the messaging
// platform, driven by an external browser-automation adapter. The
// in-memory [Registry] is the single source of truth for live state;
// the durable store is a best-effort mirror consulted only at process
// start. The [Coordinator] subscribes to each adapter's event stream,
// drives the state machine, and schedules persistence and notification
// side effects without ever blocking on them. The [Hub] fans
// transitions out to every connected observer.
//
// Three actors fail independently here — the automation adapter, the
// store, and N observers. The rules that keep them consistent:
// adapter errors become typed observer events and never propagate;
// store errors are logged and never roll back an in-memory transition;
// a slow or dead observer is skipped and never blocks the registry or
// other observers.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/msgfleet/msgfleet/wire"
)

// State is a session's position in the lifecycle. Transitions are
// monotonic along Pending → Authenticated → Ready; Disconnected is
// terminal and reachable from any state. A disconnected session is
// never resurrected — a new session must be created.
type State string

const (
	// StatePending: adapter provisioned, waiting for a QR scan.
	StatePending State = "pending"

	// StateAuthenticated: the platform accepted the pairing; the
	// client is still syncing.
	StateAuthenticated State = "authenticated"

	// StateReady: fully connected and usable.
	StateReady State = "ready"

	// StateDisconnected: terminal. The registry entry is removed
	// when this state is reached; it exists as a value mostly for
	// persisted records and wire reporting.
	StateDisconnected State = "disconnected"
)

// Valid reports whether s is one of the four lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateAuthenticated, StateReady, StateDisconnected:
		return true
	}
	return false
}

// QRPayload is the pairing payload shown to the operator. Present if
// and only if the session is Pending and no newer QR has superseded
// it. Generation increases with each fresh QR from the adapter; the
// expiry timer for generation N must not clear generation N+1.
type QRPayload struct {
	Data       string
	Generation uint64
	IssuedAt   time.Time
}

// Session is the observer-facing view of one tracked session. The
// registry hands out copies; the adapter handle and observer
// reference stay registry-private.
type Session struct {
	// ID is opaque, unique, assigned at creation, immutable.
	ID string

	State State

	// PhoneNumber is the external identity, set on reaching
	// Authenticated or later.
	PhoneNumber string

	// QR is the current pairing payload, nil outside Pending.
	QR *QRPayload

	// LastActiveAt is updated on every state transition and on
	// inbound message activity.
	LastActiveAt time.Time
}

// Summary converts the session to its wire representation.
func (s *Session) Summary() wire.SessionSummary {
	summary := wire.SessionSummary{
		SessionID:    s.ID,
		Status:       string(s.State),
		PhoneNumber:  s.PhoneNumber,
		LastActiveAt: s.LastActiveAt,
	}
	if s.QR != nil {
		summary.QRCode = s.QR.Data
	}
	return summary
}

// NewSessionID allocates an opaque session id: 16 hex characters from
// a CSPRNG.
func NewSessionID() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("session: reading random id: %v", err))
	}
	return hex.EncodeToString(raw[:])
}
