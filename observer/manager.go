// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/msgfleet/msgfleet/lib/clock"
	"github.com/msgfleet/msgfleet/wire"
)

// Phase is the connection manager's externally visible state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseGaveUp       Phase = "gave_up"
)

// ErrGaveUp reports that the manager exhausted its reconnection
// attempts.
var ErrGaveUp = errors.New("observer: gave up reconnecting")

// ErrNotConnected reports a Send while no connection is established.
var ErrNotConnected = errors.New("observer: not connected")

// Conn is the transport the manager drives. *wire.Conn satisfies it.
type Conn interface {
	ReadOutbound() (wire.Outbound, error)
	WriteInbound(msg wire.Inbound) error
	Close() error
}

// Dialer establishes one connection to the server.
type Dialer func(ctx context.Context) (Conn, error)

// Update is one published view change. Sessions is a fresh copy the
// receiver owns.
type Update struct {
	Phase    Phase
	Attempt  int
	Sessions []wire.SessionSummary

	// Notice carries the latest server-reported error or auth
	// failure text, cleared on the next successful connect.
	Notice string
}

// Config assembles a Manager. Dial and Clock are required.
type Config struct {
	Dial   Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	// BackoffBase is the delay before the first retry; it doubles on
	// each consecutive failure up to BackoffCap. Defaults 2s and 30s.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxAttempts bounds consecutive failed dials before the manager
	// gives up. Zero means the default of 10; negative means retry
	// forever.
	MaxAttempts int
}

// Manager dials the server and keeps a session view alive across
// connection drops. Every successful connect starts from scratch: a
// get_initial_data request replaces the view so nothing stale
// survives an outage. Consecutive dial failures back off
// exponentially; after MaxAttempts the manager publishes PhaseGaveUp
// exactly once and Run returns ErrGaveUp.
type Manager struct {
	dial        Dialer
	clock       clock.Clock
	logger      *slog.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int

	updates chan Update

	mu      sync.Mutex
	phase   Phase
	attempt int
	view    *View
	notice  string
	conn    Conn

	gaveUpOnce sync.Once
}

// New validates the config and returns a manager. Call Run to start
// it.
func New(cfg Config) (*Manager, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("observer: Dial is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("observer: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 10
	}
	return &Manager{
		dial:        cfg.Dial,
		clock:       cfg.Clock,
		logger:      logger,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		maxAttempts: maxAttempts,
		updates:     make(chan Update, 1),
		phase:       PhaseDisconnected,
		view:        NewView(),
	}, nil
}

// Updates returns the view change stream. Updates coalesce: a slow
// consumer sees the latest state, not every intermediate one.
func (m *Manager) Updates() <-chan Update { return m.updates }

// Phase returns the current connection phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Sessions returns a copy of the current view.
func (m *Manager) Sessions() []wire.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.Sessions()
}

// Send forwards a request on the live connection.
func (m *Manager) Send(msg wire.Inbound) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteInbound(msg)
}

// Run drives the connect/serve/backoff loop until ctx is cancelled or
// the attempt budget is exhausted.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		m.setPhase(PhaseConnecting, attempt)
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			m.logger.Warn("dial failed", "attempt", attempt, "error", err)
			if m.maxAttempts > 0 && attempt >= m.maxAttempts {
				m.giveUp()
				return ErrGaveUp
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(m.backoffDelay(attempt)):
			}
			continue
		}

		// A successful connection resets the attempt budget; an
		// outage later starts a fresh backoff ramp.
		attempt = 0
		err = m.serve(ctx, conn)
		conn.Close()
		m.setConn(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("connection lost", "error", err)
		m.setPhase(PhaseDisconnected, 0)
	}
}

// serve owns one established connection: request the full state, then
// fold the notification stream into the view until the connection
// drops.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	if err := conn.WriteInbound(wire.GetInitialData{}); err != nil {
		return fmt.Errorf("observer: requesting initial data: %w", err)
	}

	// Start the view over: after an outage the server's snapshot is
	// the only trustworthy state, and local receipt stamps from the
	// previous connection must not outrank it.
	m.mu.Lock()
	m.conn = conn
	m.view = NewView()
	m.notice = ""
	m.phase = PhaseConnected
	m.attempt = 0
	m.mu.Unlock()
	m.publish()
	m.logger.Info("connected")

	for {
		msg, err := conn.ReadOutbound()
		if err != nil {
			return err
		}
		m.handle(msg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// handle folds one server message into the view and publishes.
func (m *Manager) handle(msg wire.Outbound) {
	m.mu.Lock()
	changed := m.view.Apply(msg, m.clock.Now())
	switch n := msg.(type) {
	case wire.AuthFailure:
		m.notice = fmt.Sprintf("auth failure on %s: %s", n.SessionID, n.Message)
		changed = true
	case wire.ErrorMessage:
		m.notice = n.Message
		changed = true
	}
	m.mu.Unlock()
	if changed {
		m.publish()
	}
}

func (m *Manager) setConn(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) setPhase(phase Phase, attempt int) {
	m.mu.Lock()
	m.phase = phase
	m.attempt = attempt
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) giveUp() {
	m.gaveUpOnce.Do(func() {
		m.logger.Error("reconnect attempts exhausted", "attempts", m.maxAttempts)
		m.setPhase(PhaseGaveUp, m.maxAttempts)
	})
}

// publish pushes the current state onto the updates channel,
// displacing an unconsumed older update.
func (m *Manager) publish() {
	m.mu.Lock()
	update := Update{
		Phase:    m.phase,
		Attempt:  m.attempt,
		Sessions: m.view.Sessions(),
		Notice:   m.notice,
	}
	m.mu.Unlock()

	for {
		select {
		case m.updates <- update:
			return
		default:
			select {
			case <-m.updates:
			default:
			}
		}
	}
}

// backoffDelay returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, capped.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.backoffCap {
			return m.backoffCap
		}
	}
	if delay > m.backoffCap {
		return m.backoffCap
	}
	return delay
}
