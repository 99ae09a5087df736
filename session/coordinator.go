// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/msgfleet/msgfleet/automation"
	"github.com/msgfleet/msgfleet/lib/clock"
	"github.com/msgfleet/msgfleet/wire"
)

// DefaultQRTTL is how long a QR payload stays valid before the
// expiry timer clears it. The platform rotates unscanned QR codes at
// roughly this cadence.
const DefaultQRTTL = 40 * time.Second

// persistQueueSize bounds the fire-and-forget persistence queue. The
// store is a best-effort mirror; when the queue is full the write is
// dropped with a log line rather than blocking event handling.
const persistQueueSize = 128

// PersistRecord is the durable mirror of one session, upserted on
// every meaningful transition. SealedIdentity is the age-sealed
// automation client identity; only records with Status ready are
// eligible for restoration after a restart.
type PersistRecord struct {
	SessionID      string
	SealedIdentity string
	Status         State
	PhoneNumber    string
	QRCode         string
	LastActiveAt   time.Time
}

// Store is the persistence gateway contract the coordinator writes
// through. Implementations must tolerate concurrent calls; the
// coordinator serializes its own writes through a single queue so
// per-session record order is preserved.
type Store interface {
	Upsert(ctx context.Context, record PersistRecord) error
	Delete(ctx context.Context, sessionID string) error
}

// Provisioner creates one automation adapter for the given client
// identity. Creation provisions a fresh identity; restoration passes
// the stored one.
type Provisioner func(ctx context.Context, identity automation.ClientIdentity) (automation.Adapter, error)

// Config assembles a Coordinator. Registry, Hub, Store, Clock, and
// Provision are required.
type Config struct {
	Registry *Registry
	Hub      *Hub
	Store    Store
	Clock    clock.Clock
	Logger   *slog.Logger

	// Provision creates the adapter for a new or restored session.
	Provision Provisioner

	// SealIdentity seals an automation identity for persistence. Nil
	// disables sealing; records are then written without identity and
	// are not restorable.
	SealIdentity func(identity automation.ClientIdentity) (string, error)

	// QRTTL overrides DefaultQRTTL when positive.
	QRTTL time.Duration
}

// qrTimer tracks the single outstanding QR expiry timer for one
// session, tagged with the generation it guards.
type qrTimer struct {
	timer      *clock.Timer
	generation uint64
}

// Coordinator drives the session state machine. It consumes each
// adapter's event stream on a dedicated goroutine (per-session
// ordering, cross-session concurrency), mutates only through the
// registry's atomic operations, and schedules persistence and
// notification asynchronously so a slow store or observer never
// stalls event handling.
type Coordinator struct {
	registry  *Registry
	hub       *Hub
	store     Store
	clock     clock.Clock
	logger    *slog.Logger
	provision Provisioner
	seal      func(automation.ClientIdentity) (string, error)
	qrTTL     time.Duration

	mu          sync.Mutex
	qrTimers    map[string]qrTimer
	generations map[string]uint64
	sealed      map[string]string

	pumps sync.WaitGroup

	persistQueue chan persistOp
	persistDone  chan struct{}
	shutdownOnce sync.Once
}

// persistOp is one queued side effect against the store.
type persistOp struct {
	record *PersistRecord // upsert when non-nil
	delete string         // session id to delete when non-empty
}

// NewCoordinator validates the config and starts the persistence
// worker. Call Shutdown to stop it.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session: Registry is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("session: Hub is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("session: Clock is required")
	}
	if cfg.Provision == nil {
		return nil, fmt.Errorf("session: Provision is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	qrTTL := cfg.QRTTL
	if qrTTL <= 0 {
		qrTTL = DefaultQRTTL
	}

	c := &Coordinator{
		registry:     cfg.Registry,
		hub:          cfg.Hub,
		store:        cfg.Store,
		clock:        cfg.Clock,
		logger:       logger,
		provision:    cfg.Provision,
		seal:         cfg.SealIdentity,
		qrTTL:        qrTTL,
		qrTimers:     make(map[string]qrTimer),
		generations:  make(map[string]uint64),
		sealed:       make(map[string]string),
		persistQueue: make(chan persistOp, persistQueueSize),
		persistDone:  make(chan struct{}),
	}
	go c.persistWorker()
	return c, nil
}

// CreateSession provisions a new session: allocate an id, start an
// adapter, register the Pending entry, persist, and begin consuming
// the adapter's events. The observer, when non-nil, receives the
// session_created confirmation.
//
// Adapter provisioning failure is fatal to the attempt: nothing is
// registered and the error is returned — never a half-registered
// session.
func (c *Coordinator) CreateSession(ctx context.Context, observer *Observer) (string, error) {
	id := NewSessionID()

	adapter, err := c.provision(ctx, automation.ClientIdentity{ClientID: id})
	if err != nil {
		return "", fmt.Errorf("session: provisioning adapter: %w", err)
	}

	c.adopt(ctx, id, adapter, observer, nil)

	c.logger.Info("session created", "session_id", id)

	if observer != nil {
		observer.Send(wire.SessionCreated{SessionID: id, Status: string(StatePending)})
	}
	return id, nil
}

// RestoreSession re-provisions a session persisted in the ready state.
// The caller (the server's restore path) supplies the unsealed
// identity from the record. A restored entry re-enters the lifecycle
// at Authenticated — the platform re-handshake emits ready again, and
// no QR is involved — so monotonicity holds when the ready event
// arrives. Provisioning failure leaves nothing registered; the caller
// purges the record.
func (c *Coordinator) RestoreSession(ctx context.Context, record PersistRecord, identity automation.ClientIdentity) error {
	adapter, err := c.provision(ctx, identity)
	if err != nil {
		return fmt.Errorf("session: restoring %s: %w", record.SessionID, err)
	}

	restored := StateAuthenticated
	c.adopt(ctx, record.SessionID, adapter, nil, &Mutation{
		State:       &restored,
		PhoneNumber: &record.PhoneNumber,
	})

	c.logger.Info("session restored",
		"session_id", record.SessionID,
		"phone_number", record.PhoneNumber,
	)
	return nil
}

// adopt registers the adapter under id, applies an optional initial
// mutation, persists the entry, and starts the event pump.
func (c *Coordinator) adopt(ctx context.Context, id string, adapter automation.Adapter, observer *Observer, initial *Mutation) {
	if c.seal != nil {
		sealedIdentity, err := c.seal(adapter.Identity())
		if err != nil {
			c.logger.Error("sealing client identity failed; record will not be restorable",
				"session_id", id,
				"error", err,
			)
		} else {
			c.mu.Lock()
			c.sealed[id] = sealedIdentity
			c.mu.Unlock()
		}
	}

	current := c.registry.Create(ctx, id, adapter, observer)
	if initial != nil {
		if updated, err := c.registry.Update(id, *initial); err == nil {
			current = updated
		}
	}
	c.enqueuePersist(current)

	c.pumps.Add(1)
	go func() {
		defer c.pumps.Done()
		for event := range adapter.Events() {
			c.handleEvent(id, event)
		}
	}()
}

// DeleteSession is the explicit operator delete: destroy the adapter,
// remove the persisted record, remove the registry entry, notify.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	if _, ok := c.registry.Get(id); !ok {
		return ErrNotFound
	}
	c.teardown(ctx, id, "deleted", true)
	c.logger.Info("session deleted", "session_id", id)
	return nil
}

// Shutdown tears down every session, waits for the event pumps to
// finish, and drains the persistence queue. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		for _, s := range c.registry.List() {
			c.cancelQRTimer(s.ID)
		}
		c.registry.RemoveAll(ctx)
		c.pumps.Wait()
		close(c.persistQueue)
	})
	select {
	case <-c.persistDone:
	case <-ctx.Done():
	}
}

// Snapshot returns the full-set snapshot message body.
func (c *Coordinator) Snapshot() []wire.SessionSummary {
	return summarize(c.registry.List())
}

// AuthorizedUsers returns summaries of the sessions in Ready state.
func (c *Coordinator) AuthorizedUsers() []wire.SessionSummary {
	return summarize(c.registry.ListByState(StateReady))
}

// ValidateSessions reconciles a cached observer list against the
// registry. Unknown ids report exists=false with status disconnected.
func (c *Coordinator) ValidateSessions(refs []wire.SessionRef) []wire.ValidationResult {
	results := make([]wire.ValidationResult, 0, len(refs))
	for _, ref := range refs {
		if s, ok := c.registry.Get(ref.SessionID); ok {
			results = append(results, wire.ValidationResult{
				SessionID: ref.SessionID,
				Exists:    true,
				Status:    string(s.State),
			})
		} else {
			results = append(results, wire.ValidationResult{
				SessionID: ref.SessionID,
				Exists:    false,
				Status:    string(StateDisconnected),
			})
		}
	}
	return results
}

// handleEvent applies one adapter event to the state machine. Events
// for one session arrive on one goroutine; events across sessions are
// concurrent, so all shared mutation goes through the registry and
// the coordinator's own lock.
func (c *Coordinator) handleEvent(id string, event automation.Event) {
	switch e := event.(type) {
	case automation.EventQR:
		c.handleQR(id, e)
	case automation.EventAuthenticated:
		c.handleAuthenticated(id, e)
	case automation.EventReady:
		c.handleReady(id)
	case automation.EventMessage:
		c.handleMessage(id, e)
	case automation.EventStateChange:
		c.logger.Debug("platform state change", "session_id", id, "state", e.State)
	case automation.EventAuthFailure:
		c.handleAuthFailure(id, e)
	case automation.EventDisconnected:
		c.handleDisconnected(id, e)
	default:
		c.logger.Warn("unhandled adapter event", "session_id", id, "event", fmt.Sprintf("%T", event))
	}
}

// handleQR stores a fresh QR payload. Each payload supersedes the
// previous one: the prior expiry timer is cancelled and a new one is
// armed, tagged with the new generation. Only the latest generation's
// timer may clear the field — a late timer from a superseded QR must
// never wipe a valid newer payload.
func (c *Coordinator) handleQR(id string, event automation.EventQR) {
	current, ok := c.registry.Get(id)
	if !ok || current.State != StatePending {
		c.logger.Warn("qr event outside pending, ignoring",
			"session_id", id,
			"state", string(current.State),
		)
		return
	}

	c.mu.Lock()
	if pending, ok := c.qrTimers[id]; ok {
		pending.timer.Stop()
	}
	generation := c.generations[id] + 1
	c.generations[id] = generation
	c.qrTimers[id] = qrTimer{
		timer:      c.clock.AfterFunc(c.qrTTL, func() { c.expireQR(id, generation) }),
		generation: generation,
	}
	c.mu.Unlock()

	payload := QRPayload{
		Data:       event.Data,
		Generation: generation,
		IssuedAt:   c.clock.Now(),
	}
	updated, err := c.registry.Update(id, Mutation{QR: &payload})
	if err != nil {
		return
	}
	c.enqueuePersist(updated)
	c.hub.Broadcast(wire.QR{SessionID: id, QRCode: event.Data})
}

// expireQR is the QR timer callback for one generation. The
// generation guard runs first: a stale timer — one superseded by a
// newer QR before it fired — is a no-op.
func (c *Coordinator) expireQR(id string, generation uint64) {
	c.mu.Lock()
	if c.generations[id] != generation {
		c.mu.Unlock()
		return
	}
	delete(c.qrTimers, id)
	c.mu.Unlock()

	current, ok := c.registry.Get(id)
	if !ok || current.State != StatePending || current.QR == nil || current.QR.Generation != generation {
		return
	}

	updated, err := c.registry.Update(id, Mutation{ClearQR: true})
	if err != nil {
		return
	}
	c.enqueuePersist(updated)
	c.hub.Broadcast(wire.QRExpired{SessionID: id})
	c.logger.Info("qr expired", "session_id", id, "generation", generation)
}

// handleAuthenticated moves Pending → Authenticated: cancel the QR
// timer, clear the payload, record the external identity.
func (c *Coordinator) handleAuthenticated(id string, event automation.EventAuthenticated) {
	current, ok := c.registry.Get(id)
	if !ok || current.State != StatePending {
		c.logger.Warn("authenticated event outside pending, ignoring",
			"session_id", id,
			"state", string(current.State),
		)
		return
	}

	c.cancelQRTimer(id)

	state := StateAuthenticated
	updated, err := c.registry.Update(id, Mutation{
		State:       &state,
		PhoneNumber: &event.PhoneNumber,
		ClearQR:     true,
	})
	if err != nil {
		return
	}
	c.enqueuePersist(updated)
	c.hub.Broadcast(wire.Authenticated{SessionID: id, PhoneNumber: event.PhoneNumber})
	c.logger.Info("session authenticated", "session_id", id, "phone_number", event.PhoneNumber)
}

// handleReady moves Authenticated → Ready.
func (c *Coordinator) handleReady(id string) {
	current, ok := c.registry.Get(id)
	if !ok || current.State != StateAuthenticated {
		c.logger.Warn("ready event outside authenticated, ignoring",
			"session_id", id,
			"state", string(current.State),
		)
		return
	}

	state := StateReady
	updated, err := c.registry.Update(id, Mutation{State: &state})
	if err != nil {
		return
	}
	c.enqueuePersist(updated)
	c.hub.Broadcast(wire.Ready{SessionID: id})
	c.logger.Info("session ready", "session_id", id)
}

// handleMessage stamps activity. Message content is not msgfleet's
// business; only liveness is.
func (c *Coordinator) handleMessage(id string, event automation.EventMessage) {
	updated, err := c.registry.Update(id, Mutation{})
	if err != nil {
		return
	}
	c.enqueuePersist(updated)
}

// handleAuthFailure surfaces the failure without tearing the session
// down: the automation client retries authentication internally, so
// only an explicit disconnect or operator delete is destructive.
func (c *Coordinator) handleAuthFailure(id string, event automation.EventAuthFailure) {
	current, ok := c.registry.Get(id)
	if !ok || (current.State != StatePending && current.State != StateAuthenticated) {
		return
	}
	c.hub.Broadcast(wire.AuthFailure{SessionID: id, Message: event.Message})
	c.logger.Warn("session auth failure", "session_id", id, "message", event.Message)
}

// handleDisconnected is the terminal transition from the adapter
// side. The persisted record is kept (marked disconnected, so it is
// not restoration-eligible); only an explicit delete purges it.
func (c *Coordinator) handleDisconnected(id string, event automation.EventDisconnected) {
	if _, ok := c.registry.Get(id); !ok {
		return
	}
	c.teardown(context.Background(), id, event.Reason, false)
	c.logger.Info("session disconnected", "session_id", id, "reason", event.Reason)
}

// teardown performs the common destructive path: notify, persist the
// terminal state (or purge the record), cancel timers, and remove the
// registry entry — which destroys the adapter exactly once.
func (c *Coordinator) teardown(ctx context.Context, id string, reason string, purgeRecord bool) {
	c.cancelQRTimer(id)

	current, ok := c.registry.Get(id)

	c.hub.Broadcast(wire.Disconnected{SessionID: id, Reason: reason})

	if purgeRecord {
		c.enqueueDelete(id)
	} else if ok {
		current.State = StateDisconnected
		current.QR = nil
		c.enqueuePersist(current)
	}

	c.registry.Remove(ctx, id)

	c.mu.Lock()
	delete(c.generations, id)
	delete(c.sealed, id)
	c.mu.Unlock()
}

// cancelQRTimer stops and forgets the session's outstanding QR expiry
// timer, if any.
func (c *Coordinator) cancelQRTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, ok := c.qrTimers[id]; ok {
		pending.timer.Stop()
		delete(c.qrTimers, id)
	}
}

// enqueuePersist schedules an upsert mirroring the session. Never
// blocks: a full queue drops the write with a log line, because the
// live registry — not the store — is authoritative.
func (c *Coordinator) enqueuePersist(s Session) {
	c.mu.Lock()
	sealedIdentity := c.sealed[s.ID]
	c.mu.Unlock()

	record := PersistRecord{
		SessionID:      s.ID,
		SealedIdentity: sealedIdentity,
		Status:         s.State,
		PhoneNumber:    s.PhoneNumber,
		LastActiveAt:   s.LastActiveAt,
	}
	if s.QR != nil {
		record.QRCode = s.QR.Data
	}

	select {
	case c.persistQueue <- persistOp{record: &record}:
	default:
		c.logger.Warn("persistence queue full, dropping upsert", "session_id", s.ID)
	}
}

// enqueueDelete schedules removal of the persisted record.
func (c *Coordinator) enqueueDelete(id string) {
	select {
	case c.persistQueue <- persistOp{delete: id}:
	default:
		c.logger.Warn("persistence queue full, dropping delete", "session_id", id)
	}
}

// persistWorker applies queued store operations in order. Failures
// are logged and never fed back into the live state: the store is a
// best-effort mirror for restart recovery only.
func (c *Coordinator) persistWorker() {
	defer close(c.persistDone)
	for op := range c.persistQueue {
		if op.record != nil {
			if err := c.store.Upsert(context.Background(), *op.record); err != nil {
				c.logger.Error("persisting session failed",
					"session_id", op.record.SessionID,
					"error", err,
				)
			}
		}
		if op.delete != "" {
			if err := c.store.Delete(context.Background(), op.delete); err != nil {
				c.logger.Error("deleting persisted session failed",
					"session_id", op.delete,
					"error", err,
				)
			}
		}
	}
}

// summarize converts registry copies to wire summaries.
func summarize(sessions []Session) []wire.SessionSummary {
	summaries := make([]wire.SessionSummary, 0, len(sessions))
	for i := range sessions {
		summaries = append(summaries, sessions[i].Summary())
	}
	return summaries
}
