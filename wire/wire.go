// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the observer-channel protocol: the JSON
// messages exchanged between the msgfleet server and its observers
// over a long-lived NDJSON connection.
//
// Messages are discriminated by an "action" field. Each direction has
// a closed set of variant types ([Inbound], [Outbound]); decoding
// switches exhaustively over the discriminator, so an unknown action
// is a [*ProtocolError] rather than a silently ignored message. The
// server answers protocol errors with an ErrorMessage on the offending
// connection only — the connection stays open.
//
// Observers must treat SessionsUpdate as an authoritative snapshot and
// every per-session message (QR, Authenticated, Ready, ...) as an
// increment keyed by session id. Increments may arrive before any
// snapshot has been seen.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionSummary is the observer-visible view of one session. It
// appears in snapshots (SessionsUpdate, AuthorizedUsers) and in the
// REST responses.
type SessionSummary struct {
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	PhoneNumber  string    `json:"phoneNumber,omitempty"`
	QRCode       string    `json:"qrCode,omitempty"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// SessionRef identifies a session by id in validate_sessions requests.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// ValidationResult reports the server-side state of one session from a
// validate_sessions request. Unknown ids report status "disconnected".
type ValidationResult struct {
	SessionID string `json:"sessionId"`
	Exists    bool   `json:"exists"`
	Status    string `json:"status"`
}

// ProtocolError reports a malformed inbound message or an unknown
// action. The server answers it with an ErrorMessage to the offending
// observer; the connection stays open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: " + e.Reason
}

// Inbound is a message from an observer to the server. The set of
// implementations is closed: CreateSession, GetInitialData,
// DeleteSession, ValidateSessions.
type Inbound interface {
	inboundAction() string
}

// CreateSession asks the server to provision a new session.
type CreateSession struct{}

// GetInitialData asks for a fresh full snapshot of all sessions.
type GetInitialData struct{}

// DeleteSession asks the server to tear down a session permanently.
type DeleteSession struct {
	SessionID string `json:"sessionId"`
}

// ValidateSessions asks the server to reconcile a cached session list.
type ValidateSessions struct {
	Sessions []SessionRef `json:"sessions"`
}

func (CreateSession) inboundAction() string    { return "create_session" }
func (GetInitialData) inboundAction() string   { return "get_initial_data" }
func (DeleteSession) inboundAction() string    { return "delete_session" }
func (ValidateSessions) inboundAction() string { return "validate_sessions" }

// Outbound is a message from the server to observers. The set of
// implementations is closed; EncodeOutbound rejects anything else.
type Outbound interface {
	outboundAction() string
}

// SessionCreated confirms a create_session request.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// QR carries a fresh QR payload for a pending session.
type QR struct {
	SessionID string `json:"sessionId"`
	QRCode    string `json:"qrCode"`
}

// QRExpired reports that a pending session's QR reached its TTL
// without being scanned.
type QRExpired struct {
	SessionID string `json:"sessionId"`
}

// Authenticated reports that a session completed authentication.
type Authenticated struct {
	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Ready reports that a session is fully connected and usable.
type Ready struct {
	SessionID string `json:"sessionId"`
}

// SessionsUpdate is the authoritative full-set snapshot.
type SessionsUpdate struct {
	Sessions []SessionSummary `json:"sessions"`
}

// AuthorizedUsers lists the sessions currently in the ready state.
type AuthorizedUsers struct {
	Users []SessionSummary `json:"users"`
}

// SessionsValidated answers a validate_sessions request.
type SessionsValidated struct {
	Sessions []ValidationResult `json:"sessions"`
}

// Disconnected reports a session's terminal disconnect.
type Disconnected struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// AuthFailure reports a recoverable authentication failure. The
// session is not torn down; the automation client may retry.
type AuthFailure struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// ErrorMessage reports a protocol-level error to one observer.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (SessionCreated) outboundAction() string    { return "session_created" }
func (QR) outboundAction() string                { return "qr" }
func (QRExpired) outboundAction() string         { return "qr_expired" }
func (Authenticated) outboundAction() string     { return "authenticated" }
func (Ready) outboundAction() string             { return "ready" }
func (SessionsUpdate) outboundAction() string    { return "sessions_update" }
func (AuthorizedUsers) outboundAction() string   { return "authorized_users" }
func (SessionsValidated) outboundAction() string { return "sessions_validated" }
func (Disconnected) outboundAction() string      { return "disconnected" }
func (AuthFailure) outboundAction() string       { return "auth_failure" }
func (ErrorMessage) outboundAction() string      { return "error" }

// envelope peels the action discriminator off a raw message before
// the variant-specific decode.
type envelope struct {
	Action string `json:"action"`
}

// DecodeInbound parses one observer → server message.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed message: %v", err)}
	}
	switch env.Action {
	case "create_session":
		return CreateSession{}, nil
	case "get_initial_data":
		return GetInitialData{}, nil
	case "delete_session":
		var msg DeleteSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed delete_session: %v", err)}
		}
		if msg.SessionID == "" {
			return nil, &ProtocolError{Reason: "delete_session requires sessionId"}
		}
		return msg, nil
	case "validate_sessions":
		var msg ValidateSessions
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed validate_sessions: %v", err)}
		}
		return msg, nil
	case "":
		return nil, &ProtocolError{Reason: "missing action field"}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown action %q", env.Action)}
	}
}

// DecodeOutbound parses one server → observer message. Used by the
// observer connection manager and by tests.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed message: %v", err)}
	}
	switch env.Action {
	case "session_created":
		var msg SessionCreated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed session_created: %v", err)}
		}
		return msg, nil
	case "qr":
		var msg QR
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed qr: %v", err)}
		}
		return msg, nil
	case "qr_expired":
		var msg QRExpired
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed qr_expired: %v", err)}
		}
		return msg, nil
	case "authenticated":
		var msg Authenticated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed authenticated: %v", err)}
		}
		return msg, nil
	case "ready":
		var msg Ready
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed ready: %v", err)}
		}
		return msg, nil
	case "sessions_update":
		var msg SessionsUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed sessions_update: %v", err)}
		}
		return msg, nil
	case "authorized_users":
		var msg AuthorizedUsers
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed authorized_users: %v", err)}
		}
		return msg, nil
	case "sessions_validated":
		var msg SessionsValidated
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed sessions_validated: %v", err)}
		}
		return msg, nil
	case "disconnected":
		var msg Disconnected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed disconnected: %v", err)}
		}
		return msg, nil
	case "auth_failure":
		var msg AuthFailure
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed auth_failure: %v", err)}
		}
		return msg, nil
	case "error":
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed error: %v", err)}
		}
		return msg, nil
	case "":
		return nil, &ProtocolError{Reason: "missing action field"}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown action %q", env.Action)}
	}
}

// EncodeInbound serializes an observer → server message with its
// action discriminator.
func EncodeInbound(msg Inbound) ([]byte, error) {
	return encodeWithAction(msg, msg.inboundAction())
}

// EncodeOutbound serializes a server → observer message with its
// action discriminator.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	return encodeWithAction(msg, msg.outboundAction())
}

// encodeWithAction marshals the variant's fields and splices in the
// action discriminator. Variants are flat structs, so re-decoding into
// a map is cheap and keeps the variant types free of redundant Action
// fields that could drift from the closed set.
func encodeWithAction(msg any, action string) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s: %w", action, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("wire: encoding %s: %w", action, err)
	}
	fields["action"] = json.RawMessage(fmt.Sprintf("%q", action))
	return json.Marshal(fields)
}
