// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package automation defines the contract between msgfleet and the
// external browser-automation runner that drives one
// messaging-platform client per session.
//
// The runner is an external collaborator: its QR/handshake protocol
// and platform semantics are given, not designed here. msgfleet sees
// each runner instance through the [Adapter] interface — an ordered
// stream of lifecycle events and an idempotent Destroy. Three
// implementations exist:
//
//   - [Runner]: launches the real runner process and decodes its
//     NDJSON event stream from stdout.
//   - [Fake]: an in-memory adapter tests drive directly.
//
// Events for one adapter are strictly ordered (one stream, one
// channel); events across adapters are concurrent and unordered.
package automation

import "context"

// ClientIdentity is the material a runner needs to resume an
// authenticated messaging-platform session: the stable client id and
// the profile directory holding the platform's auth state. It is
// sealed before persistence and unsealed only during restoration.
type ClientIdentity struct {
	ClientID string `json:"clientId"`
	DataDir  string `json:"dataDir"`
}

// Adapter is one live browser-automation client instance. Exactly one
// adapter exists per live session; the session registry owns the
// handle and destroys it when the session is removed.
type Adapter interface {
	// Identity returns the client identity this adapter was
	// provisioned with.
	Identity() ClientIdentity

	// Events returns the adapter's lifecycle event stream. The
	// channel is closed when the adapter shuts down. Events on the
	// channel are ordered; a consumer must not assume any ordering
	// relative to other adapters' streams.
	Events() <-chan Event

	// Destroy tears the client down. Idempotent: the second and
	// later calls are no-ops returning nil. Safe to call while the
	// adapter is already failed — secondary errors are swallowed by
	// callers and logged, never acted on.
	Destroy(ctx context.Context) error
}

// Event is one lifecycle event from an adapter. The implementation
// set is closed: EventQR, EventAuthenticated, EventReady,
// EventMessage, EventStateChange, EventAuthFailure,
// EventDisconnected.
type Event interface {
	isEvent()
}

// EventQR carries a fresh QR payload for the pairing screen. The
// runner may emit several before one is scanned; each supersedes the
// previous.
type EventQR struct {
	Data string
}

// EventAuthenticated reports that the platform accepted the pairing.
type EventAuthenticated struct {
	PhoneNumber string
}

// EventReady reports that the client is fully synced and usable.
type EventReady struct{}

// EventMessage is an inbound platform message. msgfleet only tracks
// session liveness, so the coordinator stamps activity and moves on.
type EventMessage struct {
	From string
	Body string
}

// EventStateChange is a low-level platform connection state change,
// surfaced for logging.
type EventStateChange struct {
	State string
}

// EventAuthFailure reports a failed pairing or session validation.
// Recoverable: the runner retries internally, so the session is not
// torn down.
type EventAuthFailure struct {
	Message string
}

// EventDisconnected reports a terminal disconnect. The session cannot
// be resurrected; a new one must be created.
type EventDisconnected struct {
	Reason string
}

func (EventQR) isEvent()            {}
func (EventAuthenticated) isEvent() {}
func (EventReady) isEvent()         {}
func (EventMessage) isEvent()       {}
func (EventStateChange) isEvent()   {}
func (EventAuthFailure) isEvent()   {}
func (EventDisconnected) isEvent()  {}
