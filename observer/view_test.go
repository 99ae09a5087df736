// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"testing"
	"time"

	"github.com/msgfleet/msgfleet/wire"
)

var viewEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func summary(id, status string, activeAt time.Time) wire.SessionSummary {
	return wire.SessionSummary{SessionID: id, Status: status, LastActiveAt: activeAt}
}

func TestViewSnapshotIsAuthoritative(t *testing.T) {
	v := NewView()
	v.ApplySnapshot([]wire.SessionSummary{
		summary("a", "ready", viewEpoch),
		summary("b", "pending", viewEpoch),
	})

	// The next snapshot drops "b"; the view must not resurrect it.
	v.Apply(wire.SessionsUpdate{Sessions: []wire.SessionSummary{
		summary("a", "ready", viewEpoch.Add(time.Second)),
	}}, viewEpoch.Add(time.Second))

	sessions := v.Sessions()
	if len(sessions) != 1 || sessions[0].SessionID != "a" {
		t.Fatalf("Sessions() = %+v, want [a]", sessions)
	}
}

func TestViewIncrementalEvents(t *testing.T) {
	v := NewView()
	now := viewEpoch

	v.Apply(wire.SessionCreated{SessionID: "s1", Status: "pending"}, now)
	v.Apply(wire.QR{SessionID: "s1", QRCode: "qr-data"}, now)

	sessions := v.Sessions()
	if len(sessions) != 1 || sessions[0].QRCode != "qr-data" || sessions[0].Status != "pending" {
		t.Fatalf("after qr: %+v, want pending with qr-data", sessions)
	}

	v.Apply(wire.Authenticated{SessionID: "s1", PhoneNumber: "+15550100"}, now.Add(time.Second))
	sessions = v.Sessions()
	if sessions[0].Status != "authenticated" || sessions[0].PhoneNumber != "+15550100" {
		t.Fatalf("after authenticated: %+v", sessions[0])
	}
	if sessions[0].QRCode != "" {
		t.Fatalf("QRCode = %q after authentication, want cleared", sessions[0].QRCode)
	}

	v.Apply(wire.Ready{SessionID: "s1"}, now.Add(2*time.Second))
	if sessions = v.Sessions(); sessions[0].Status != "ready" {
		t.Fatalf("after ready: %+v", sessions[0])
	}

	v.Apply(wire.Disconnected{SessionID: "s1", Reason: "logged out"}, now.Add(3*time.Second))
	if sessions = v.Sessions(); sessions[0].Status != "disconnected" {
		t.Fatalf("after disconnected: %+v", sessions[0])
	}
}

func TestViewIncrementBeforeSnapshot(t *testing.T) {
	v := NewView()

	// An increment for a session the view has never heard of creates
	// a stub instead of being lost.
	v.Apply(wire.QR{SessionID: "early", QRCode: "qr"}, viewEpoch)

	sessions := v.Sessions()
	if len(sessions) != 1 || sessions[0].SessionID != "early" || sessions[0].Status != "pending" {
		t.Fatalf("Sessions() = %+v, want stub pending entry", sessions)
	}
}

func TestViewValidationPrunes(t *testing.T) {
	v := NewView()
	v.ApplySnapshot([]wire.SessionSummary{
		summary("live", "ready", viewEpoch),
		summary("stale", "ready", viewEpoch),
	})

	v.Apply(wire.SessionsValidated{Sessions: []wire.ValidationResult{
		{SessionID: "live", Exists: true, Status: "ready"},
		{SessionID: "stale", Exists: false, Status: "disconnected"},
	}}, viewEpoch)

	sessions := v.Sessions()
	if len(sessions) != 1 || sessions[0].SessionID != "live" {
		t.Fatalf("Sessions() = %+v, want [live]", sessions)
	}
}

func TestMergeSummariesLastWriterWins(t *testing.T) {
	older := summary("s", "pending", viewEpoch)
	newer := summary("s", "ready", viewEpoch.Add(time.Minute))

	if got := MergeSummaries(older, newer); got.Status != "ready" {
		t.Fatalf("MergeSummaries(older, newer).Status = %q, want ready", got.Status)
	}
	if got := MergeSummaries(newer, older); got.Status != "ready" {
		t.Fatalf("MergeSummaries(newer, older).Status = %q, want ready", got.Status)
	}
}

func TestMergeSummariesCommutativeAndIdempotent(t *testing.T) {
	cases := []struct {
		name string
		a, b wire.SessionSummary
	}{
		{"distinct stamps", summary("s", "pending", viewEpoch), summary("s", "ready", viewEpoch.Add(time.Second))},
		{"tied stamps", summary("s", "authenticated", viewEpoch), summary("s", "ready", viewEpoch)},
		{"identical", summary("s", "ready", viewEpoch), summary("s", "ready", viewEpoch)},
	}
	for _, tc := range cases {
		ab := MergeSummaries(tc.a, tc.b)
		ba := MergeSummaries(tc.b, tc.a)
		if ab != ba {
			t.Fatalf("%s: merge not commutative: %+v vs %+v", tc.name, ab, ba)
		}
		if again := MergeSummaries(ab, tc.b); again != ab {
			t.Fatalf("%s: merge not idempotent: %+v vs %+v", tc.name, again, ab)
		}
	}
}

func TestViewSnapshotDoesNotRollBackFresherState(t *testing.T) {
	v := NewView()
	v.ApplySnapshot([]wire.SessionSummary{
		summary("s1", "pending", viewEpoch),
	})
	v.Apply(wire.Ready{SessionID: "s1"}, viewEpoch.Add(2*time.Second))

	// A snapshot assembled before the ready event arrives after it.
	// Membership still comes from the snapshot, but the fresher
	// per-session state must survive.
	v.Apply(wire.SessionsUpdate{Sessions: []wire.SessionSummary{
		summary("s1", "pending", viewEpoch.Add(time.Second)),
	}}, viewEpoch.Add(3*time.Second))

	sessions := v.Sessions()
	if len(sessions) != 1 || sessions[0].Status != "ready" {
		t.Fatalf("Sessions() = %+v, want s1 still ready", sessions)
	}
}
