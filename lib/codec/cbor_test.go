// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	// Two maps with the same contents built in different insertion
	// orders must encode to identical bytes.
	a := map[string]any{"sessionId": "s1", "status": "ready", "phoneNumber": "+15550100"}
	b := map[string]any{"phoneNumber": "+15550100", "status": "ready", "sessionId": "s1"}

	encodedA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a): %v", err)
	}
	encodedB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b): %v", err)
	}
	if !bytes.Equal(encodedA, encodedB) {
		t.Fatalf("deterministic encoding violated:\n a = %x\n b = %x", encodedA, encodedB)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type record struct {
		SessionID string `cbor:"sessionId"`
	}
	encoded, err := Marshal(map[string]any{"sessionId": "s1", "futureField": 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got record
	if err := Unmarshal(encoded, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("SessionID = %q, want %q", got.SessionID, "s1")
	}
}

func TestUnmarshalAnyProducesStringKeyedMaps(t *testing.T) {
	encoded, err := Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got any
	if err := Unmarshal(encoded, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", got)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["outer"])
	}
}
