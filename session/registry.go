// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/msgfleet/msgfleet/automation"
	"github.com/msgfleet/msgfleet/lib/clock"
)

// ErrNotFound reports an operation against a session id the registry
// does not hold.
var ErrNotFound = errors.New("session: not found")

// Mutation is a structural partial update. Nil pointer fields are
// left untouched, so concurrent updates to unrelated fields never
// clobber each other. Setting and clearing the QR payload are
// distinct operations: QR sets a new payload, ClearQR removes the
// current one.
type Mutation struct {
	State       *State
	PhoneNumber *string
	QR          *QRPayload
	ClearQR     bool
}

// ChangeFunc is the registry's on-change hook. It is invoked
// synchronously after every successful Create, Update, and Remove —
// outside the registry lock, with the change sequence number and a
// consistent full snapshot taken under the lock. The hook must return
// quickly (enqueue, don't deliver); the fan-out hub provides the
// asynchronous delivery half.
//
// Sequence numbers increase monotonically with each change. Because
// the hook runs outside the lock, two hooks can race; a consumer that
// cares about ordering drops snapshots whose sequence is older than
// one it already handled.
type ChangeFunc func(seq uint64, snapshot []Session)

// entry is a registry slot: the public session value plus the
// registry-private adapter handle and the weak observer reference.
type entry struct {
	session  Session
	adapter  automation.Adapter
	observer *Observer
}

// Registry is the in-memory table of live sessions — the single
// source of truth for current session state. All operations are
// synchronous with respect to the table; there are no interleaved
// partial reads. Safe for concurrent use.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	seq      uint64
	onChange ChangeFunc
}

// NewRegistry creates an empty registry. The clock stamps
// LastActiveAt on every mutation.
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// OnChange registers the change hook. Must be called before the
// registry is shared across goroutines.
func (r *Registry) OnChange(hook ChangeFunc) {
	r.onChange = hook
}

// Create inserts a new Pending session owning the given adapter. If
// the registry already holds an entry under the same id — a
// conflicting identity slot — the previous adapter is destroyed
// first, so two adapters never race on one slot.
//
// The observer reference is weak: it targets creation-flow responses
// and its loss only suppresses those, never the session.
func (r *Registry) Create(ctx context.Context, id string, adapter automation.Adapter, observer *Observer) Session {
	r.mu.Lock()
	var displaced automation.Adapter
	if previous, ok := r.entries[id]; ok {
		displaced = previous.adapter
	}
	now := r.clock.Now()
	created := Session{
		ID:           id,
		State:        StatePending,
		LastActiveAt: now,
	}
	r.entries[id] = &entry{
		session:  created,
		adapter:  adapter,
		observer: observer,
	}
	r.seq++
	seq, snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if displaced != nil {
		r.logger.Warn("destroying adapter displaced by identity conflict", "session_id", id)
		if err := displaced.Destroy(ctx); err != nil {
			r.logger.Warn("displaced adapter destroy failed", "session_id", id, "error", err)
		}
	}

	r.fireChange(seq, snapshot)
	return created
}

// Get returns a copy of the session. The boolean is false when the
// id is absent.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.session, true
	}
	return Session{}, false
}

// Observer returns the weak observer reference recorded at creation,
// or nil.
func (r *Registry) Observer(id string) *Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.observer
	}
	return nil
}

// Update applies a structural merge to the session and stamps
// LastActiveAt. Returns the merged session, or ErrNotFound. The
// on-change hook fires after the lock is released.
func (r *Registry) Update(id string, mutation Mutation) (Session, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	if mutation.State != nil {
		e.session.State = *mutation.State
	}
	if mutation.PhoneNumber != nil {
		e.session.PhoneNumber = *mutation.PhoneNumber
	}
	if mutation.ClearQR {
		e.session.QR = nil
	} else if mutation.QR != nil {
		qr := *mutation.QR
		e.session.QR = &qr
	}
	e.session.LastActiveAt = r.clock.Now()
	merged := e.session
	r.seq++
	seq, snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.fireChange(seq, snapshot)
	return merged, nil
}

// Remove deletes the session and destroys its adapter. Idempotent:
// removing an absent id is a no-op. The adapter is destroyed exactly
// once — the entry leaves the table under the lock, so a concurrent
// Remove cannot reach the same adapter. Destroy errors are logged and
// swallowed; teardown must succeed even when the adapter has already
// failed.
func (r *Registry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.seq++
	seq, snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if err := e.adapter.Destroy(ctx); err != nil {
		r.logger.Warn("adapter destroy failed during remove",
			"session_id", id,
			"error", err,
		)
	}

	r.fireChange(seq, snapshot)
}

// RemoveAll removes every session, destroying each adapter. Used for
// registry-wide shutdown.
func (r *Registry) RemoveAll(ctx context.Context) {
	for _, s := range r.List() {
		r.Remove(ctx, s.ID)
	}
}

// List returns copies of all sessions, ordered by id for stable
// output.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, snapshot := r.snapshotLocked()
	return snapshot
}

// ListByState returns copies of all sessions in the given state,
// ordered by id.
func (r *Registry) ListByState(state State) []Session {
	var matched []Session
	for _, s := range r.List() {
		if s.State == state {
			matched = append(matched, s)
		}
	}
	return matched
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// snapshotLocked builds an id-ordered copy of the table together
// with the current change sequence. Caller holds r.mu; mutating
// operations bump r.seq before calling this.
func (r *Registry) snapshotLocked() (uint64, []Session) {
	snapshot := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e.session)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return r.seq, snapshot
}

// fireChange invokes the hook outside the lock.
func (r *Registry) fireChange(seq uint64, snapshot []Session) {
	if r.onChange != nil {
		r.onChange(seq, snapshot)
	}
}
