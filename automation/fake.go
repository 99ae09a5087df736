// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package automation

import (
	"context"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Adapter for tests. The test emits lifecycle
// events directly and asserts on destroy counts. Like a real runner,
// the event stream is ordered and closes on destroy.
type Fake struct {
	identity ClientIdentity
	events   chan Event

	mu       sync.Mutex
	closed   bool
	destroys atomic.Int32

	// DestroyErr, when set before the first Destroy call, is
	// returned by that call. Later calls return nil, matching the
	// idempotent-teardown contract.
	DestroyErr error
}

// NewFake creates a fake adapter with the given identity.
func NewFake(identity ClientIdentity) *Fake {
	return &Fake{
		identity: identity,
		events:   make(chan Event, 64),
	}
}

// Identity returns the identity the fake was created with.
func (f *Fake) Identity() ClientIdentity { return f.identity }

// Events returns the event stream.
func (f *Fake) Events() <-chan Event { return f.events }

// Emit delivers an event to the consumer. Panics if called after
// Destroy, matching the real runner (a destroyed process emits
// nothing).
func (f *Fake) Emit(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		panic("automation: Emit after Destroy")
	}
	f.events <- event
}

// Destroy closes the event stream. Idempotent. Every call increments
// the destroy count so tests can assert exactly-once teardown.
func (f *Fake) Destroy(ctx context.Context) error {
	f.destroys.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return f.DestroyErr
}

// DestroyCount returns how many times Destroy has been called.
func (f *Fake) DestroyCount() int {
	return int(f.destroys.Load())
}
