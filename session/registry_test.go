// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/msgfleet/msgfleet/automation"
	"github.com/msgfleet/msgfleet/lib/clock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRegistryCreateAndGet(t *testing.T) {
	clk := clock.Fake(testEpoch)
	r := NewRegistry(clk, nil)

	adapter := automation.NewFake(automation.ClientIdentity{ClientID: "s1"})
	created := r.Create(context.Background(), "s1", adapter, nil)

	if created.State != StatePending {
		t.Fatalf("created.State = %q, want %q", created.State, StatePending)
	}
	if !created.LastActiveAt.Equal(testEpoch) {
		t.Fatalf("created.LastActiveAt = %v, want %v", created.LastActiveAt, testEpoch)
	}

	got, ok := r.Get("s1")
	if !ok {
		t.Fatal("Get(s1) reported absent after Create")
	}
	if got.ID != "s1" || got.State != StatePending {
		t.Fatalf("Get(s1) = %+v, want pending s1", got)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get(missing) reported present")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryUpdateMergesStructurally(t *testing.T) {
	clk := clock.Fake(testEpoch)
	r := NewRegistry(clk, nil)
	r.Create(context.Background(), "s1", automation.NewFake(automation.ClientIdentity{ClientID: "s1"}), nil)

	qr := QRPayload{Data: "qr-1", Generation: 1, IssuedAt: clk.Now()}
	if _, err := r.Update("s1", Mutation{QR: &qr}); err != nil {
		t.Fatalf("Update(QR) error: %v", err)
	}

	// A state-only mutation must leave the QR payload untouched.
	auth := StateAuthenticated
	phone := "+15550100"
	clk.Advance(3 * time.Second)
	merged, err := r.Update("s1", Mutation{State: &auth, PhoneNumber: &phone})
	if err != nil {
		t.Fatalf("Update(State) error: %v", err)
	}
	if merged.State != StateAuthenticated {
		t.Fatalf("merged.State = %q, want %q", merged.State, StateAuthenticated)
	}
	if merged.PhoneNumber != phone {
		t.Fatalf("merged.PhoneNumber = %q, want %q", merged.PhoneNumber, phone)
	}
	if merged.QR == nil || merged.QR.Data != "qr-1" {
		t.Fatalf("merged.QR = %+v, want qr-1 preserved", merged.QR)
	}
	if !merged.LastActiveAt.Equal(testEpoch.Add(3 * time.Second)) {
		t.Fatalf("merged.LastActiveAt = %v, want %v", merged.LastActiveAt, testEpoch.Add(3*time.Second))
	}

	// ClearQR removes the payload without touching anything else.
	merged, err = r.Update("s1", Mutation{ClearQR: true})
	if err != nil {
		t.Fatalf("Update(ClearQR) error: %v", err)
	}
	if merged.QR != nil {
		t.Fatalf("merged.QR = %+v, want nil after ClearQR", merged.QR)
	}
	if merged.State != StateAuthenticated || merged.PhoneNumber != phone {
		t.Fatalf("ClearQR clobbered unrelated fields: %+v", merged)
	}
}

func TestRegistryUpdateNotFound(t *testing.T) {
	r := NewRegistry(clock.Fake(testEpoch), nil)
	if _, err := r.Update("absent", Mutation{}); err != ErrNotFound {
		t.Fatalf("Update(absent) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryRemoveDestroysExactlyOnce(t *testing.T) {
	r := NewRegistry(clock.Fake(testEpoch), nil)
	adapter := automation.NewFake(automation.ClientIdentity{ClientID: "s1"})
	r.Create(context.Background(), "s1", adapter, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Remove(context.Background(), "s1")
		}()
	}
	wg.Wait()

	if n := adapter.DestroyCount(); n != 1 {
		t.Fatalf("DestroyCount() = %d, want 1", n)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryCreateDisplacesConflictingAdapter(t *testing.T) {
	r := NewRegistry(clock.Fake(testEpoch), nil)
	first := automation.NewFake(automation.ClientIdentity{ClientID: "s1"})
	second := automation.NewFake(automation.ClientIdentity{ClientID: "s1"})

	r.Create(context.Background(), "s1", first, nil)
	r.Create(context.Background(), "s1", second, nil)

	if n := first.DestroyCount(); n != 1 {
		t.Fatalf("displaced adapter DestroyCount() = %d, want 1", n)
	}
	if n := second.DestroyCount(); n != 0 {
		t.Fatalf("surviving adapter DestroyCount() = %d, want 0", n)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryChangeHook(t *testing.T) {
	r := NewRegistry(clock.Fake(testEpoch), nil)

	var mu sync.Mutex
	var seqs []uint64
	var last []Session
	r.OnChange(func(seq uint64, snapshot []Session) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, seq)
		last = snapshot
	})

	ctx := context.Background()
	r.Create(ctx, "b", automation.NewFake(automation.ClientIdentity{ClientID: "b"}), nil)
	r.Create(ctx, "a", automation.NewFake(automation.ClientIdentity{ClientID: "a"}), nil)
	ready := StateReady
	if _, err := r.Update("a", Mutation{State: &ready}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	r.Remove(ctx, "b")

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 4 {
		t.Fatalf("hook fired %d times, want 4", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not monotonic: %v", seqs)
		}
	}
	if len(last) != 1 || last[0].ID != "a" || last[0].State != StateReady {
		t.Fatalf("final snapshot = %+v, want [a ready]", last)
	}
}

func TestRegistryListOrderedByID(t *testing.T) {
	r := NewRegistry(clock.Fake(testEpoch), nil)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		r.Create(ctx, id, automation.NewFake(automation.ClientIdentity{ClientID: id}), nil)
	}

	listed := r.List()
	if len(listed) != 3 {
		t.Fatalf("List() returned %d sessions, want 3", len(listed))
	}
	for i, want := range []string{"a", "b", "c"} {
		if listed[i].ID != want {
			t.Fatalf("List()[%d].ID = %q, want %q", i, listed[i].ID, want)
		}
	}
}

func TestRegistryListByState(t *testing.T) {
	r := NewRegistry(clock.Fake(testEpoch), nil)
	ctx := context.Background()
	r.Create(ctx, "p1", automation.NewFake(automation.ClientIdentity{ClientID: "p1"}), nil)
	r.Create(ctx, "r1", automation.NewFake(automation.ClientIdentity{ClientID: "r1"}), nil)
	ready := StateReady
	if _, err := r.Update("r1", Mutation{State: &ready}); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	readySessions := r.ListByState(StateReady)
	if len(readySessions) != 1 || readySessions[0].ID != "r1" {
		t.Fatalf("ListByState(ready) = %+v, want [r1]", readySessions)
	}
	if pending := r.ListByState(StatePending); len(pending) != 1 || pending[0].ID != "p1" {
		t.Fatalf("ListByState(pending) = %+v, want [p1]", pending)
	}
}
