// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msgfleet/msgfleet/automation"
	"github.com/msgfleet/msgfleet/lib/sealed"
	"github.com/msgfleet/msgfleet/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "sessions.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close error: %v", err)
		}
	})
	return s
}

func testRecord(id string) session.PersistRecord {
	return session.PersistRecord{
		SessionID:    id,
		Status:       session.StateReady,
		PhoneNumber:  "+15550100",
		LastActiveAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStoreUpsertAndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := testRecord("abc123")
	want.SealedIdentity = "age-ciphertext"
	want.QRCode = "qr-payload"
	if err := s.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	got, found, err := s.Find(ctx, "abc123")
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if !found {
		t.Fatal("Find reported absent after Upsert")
	}
	if !got.LastActiveAt.Equal(want.LastActiveAt) {
		t.Fatalf("LastActiveAt = %v, want %v", got.LastActiveAt, want.LastActiveAt)
	}
	got.LastActiveAt = want.LastActiveAt
	if got != want {
		t.Fatalf("Find = %+v, want %+v", got, want)
	}

	if _, found, err := s.Find(ctx, "missing"); err != nil || found {
		t.Fatalf("Find(missing) = found=%v err=%v, want absent", found, err)
	}
}

func TestStoreUpsertReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	record := testRecord("abc123")
	record.Status = session.StatePending
	if err := s.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	record.Status = session.StateReady
	record.LastActiveAt = record.LastActiveAt.Add(time.Minute)
	if err := s.Upsert(ctx, record); err != nil {
		t.Fatalf("second Upsert error: %v", err)
	}

	got, _, err := s.Find(ctx, "abc123")
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if got.Status != session.StateReady {
		t.Fatalf("Status = %q after replace, want ready", got.Status)
	}
	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List returned %d records after replace, want 1", len(records))
	}
}

func TestStoreIdenticalUpsertIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	record := testRecord("abc123")
	for range 3 {
		if err := s.Upsert(ctx, record); err != nil {
			t.Fatalf("Upsert error: %v", err)
		}
	}

	got, found, err := s.Find(ctx, "abc123")
	if err != nil || !found {
		t.Fatalf("Find = found=%v err=%v, want present", found, err)
	}
	if got.SessionID != "abc123" {
		t.Fatalf("SessionID = %q, want abc123", got.SessionID)
	}
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, testRecord("abc123")); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := s.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, found, _ := s.Find(ctx, "abc123"); found {
		t.Fatal("record still present after Delete")
	}
	// Absent id is a no-op, not an error.
	if err := s.Delete(ctx, "abc123"); err != nil {
		t.Fatalf("second Delete error: %v", err)
	}
}

func TestStoreFindByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ready1 := testRecord("bbb")
	ready2 := testRecord("aaa")
	gone := testRecord("ccc")
	gone.Status = session.StateDisconnected
	for _, record := range []session.PersistRecord{ready1, ready2, gone} {
		if err := s.Upsert(ctx, record); err != nil {
			t.Fatalf("Upsert(%s) error: %v", record.SessionID, err)
		}
	}

	records, err := s.FindByStatus(ctx, session.StateReady)
	if err != nil {
		t.Fatalf("FindByStatus error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("FindByStatus returned %d records, want 2", len(records))
	}
	if records[0].SessionID != "aaa" || records[1].SessionID != "bbb" {
		t.Fatalf("FindByStatus order = [%s %s], want [aaa bbb]",
			records[0].SessionID, records[1].SessionID)
	}
}

func TestStoreLargeQRRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Well past the compression threshold, and repetitive enough
	// that the compressed form is actually taken.
	record := testRecord("abc123")
	record.QRCode = strings.Repeat("data:image/png;base64,iVBORw0KGgo", 200)
	if err := s.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	got, found, err := s.Find(ctx, "abc123")
	if err != nil || !found {
		t.Fatalf("Find = found=%v err=%v, want present", found, err)
	}
	if got.QRCode != record.QRCode {
		t.Fatalf("QRCode round-trip mismatch: got %d bytes, want %d",
			len(got.QRCode), len(record.QRCode))
	}
}

func TestBlobFraming(t *testing.T) {
	s := openTestStore(t)

	small := []byte("short payload")
	blob := s.compressBlob(small)
	if blob[0] != blobTagRaw {
		t.Fatalf("small blob tag = %#x, want raw", blob[0])
	}

	large := []byte(strings.Repeat("abcdefgh", 1024))
	blob = s.compressBlob(large)
	if blob[0] != blobTagZstd {
		t.Fatalf("large blob tag = %#x, want zstd", blob[0])
	}
	if len(blob) >= len(large) {
		t.Fatalf("compressed blob is %d bytes for %d byte payload", len(blob), len(large))
	}

	expanded, err := s.expandBlob(blob)
	if err != nil {
		t.Fatalf("expandBlob error: %v", err)
	}
	if string(expanded) != string(large) {
		t.Fatal("expanded blob does not match original payload")
	}

	if _, err := s.expandBlob([]byte{0x7f, 0x00}); err == nil {
		t.Fatal("expandBlob accepted an unknown tag")
	}
}

func TestSealIdentityRoundTrip(t *testing.T) {
	key, err := sealed.Generate()
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	want := automation.ClientIdentity{
		ClientID: "abc123",
		DataDir:  "/var/lib/msgfleet/clients/abc123",
	}
	ciphertext, err := SealIdentity(key, want)
	if err != nil {
		t.Fatalf("SealIdentity error: %v", err)
	}
	if strings.Contains(ciphertext, "abc123") {
		t.Fatal("ciphertext leaks the client id")
	}

	got, err := UnsealIdentity(key, ciphertext)
	if err != nil {
		t.Fatalf("UnsealIdentity error: %v", err)
	}
	if got != want {
		t.Fatalf("UnsealIdentity = %+v, want %+v", got, want)
	}

	// A different key must not unseal it.
	other, err := sealed.Generate()
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if _, err := UnsealIdentity(other, ciphertext); err == nil {
		t.Fatal("UnsealIdentity succeeded with the wrong key")
	}
}
