// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package observer

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/msgfleet/msgfleet/lib/clock"
	"github.com/msgfleet/msgfleet/wire"
)

// waitUpdate reads the update stream until cond accepts one.
func waitUpdate(t *testing.T, m *Manager, what string, cond func(Update) bool) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case update := <-m.Updates():
			if cond(update) {
				return update
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerBackoffSequence(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}
	dialCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return dials
	}

	m, err := New(Config{
		Dial:        dial,
		Clock:       clk,
		BackoffBase: 2 * time.Second,
		BackoffCap:  8 * time.Second,
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	// Doubling from the base and clamping at the cap. Advancing by
	// exactly the expected delay releases the retry; a wrong delay
	// would leave the manager waiting and time the test out.
	for i, delay := range []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	} {
		wantDials := i + 1
		waitFor(t, "dial attempt", func() bool {
			return dialCount() == wantDials && clk.PendingWaiters() == 1
		})
		clk.Advance(delay)
	}

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrGaveUp) {
			t.Fatalf("Run returned %v, want ErrGaveUp", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up after exhausting attempts")
	}
	if dialCount() != 5 {
		t.Fatalf("dial attempts = %d, want 5", dialCount())
	}
	if m.Phase() != PhaseGaveUp {
		t.Fatalf("Phase() = %q, want gave_up", m.Phase())
	}
}

func TestManagerBackoffDelayTable(t *testing.T) {
	m, err := New(Config{
		Dial:        func(ctx context.Context) (Conn, error) { return nil, errors.New("x") },
		Clock:       clock.Fake(time.Time{}),
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	} {
		if got := m.backoffDelay(tc.attempt); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

// pipeServer is the server half of one test connection.
type pipeServer struct {
	conn *wire.Conn
}

// dialQueue hands out pre-made connections to the manager's dialer.
func dialQueue(conns chan Conn) Dialer {
	return func(ctx context.Context) (Conn, error) {
		select {
		case conn := <-conns:
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newPipePair() (*pipeServer, Conn) {
	client, server := net.Pipe()
	return &pipeServer{conn: wire.NewConn(server)}, wire.NewConn(client)
}

func TestManagerConnectAndMaintainView(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	server, client := newPipePair()
	conns := make(chan Conn, 1)
	conns <- client

	m, err := New(Config{Dial: dialQueue(conns), Clock: clk})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// The manager's first act on a fresh connection is requesting
	// the complete state.
	msg, err := server.conn.ReadInbound()
	if err != nil {
		t.Fatalf("ReadInbound error: %v", err)
	}
	if _, ok := msg.(wire.GetInitialData); !ok {
		t.Fatalf("first inbound = %T, want GetInitialData", msg)
	}

	if err := server.conn.WriteOutbound(wire.SessionsUpdate{Sessions: []wire.SessionSummary{
		{SessionID: "s1", Status: "ready", PhoneNumber: "+15550100"},
	}}); err != nil {
		t.Fatalf("WriteOutbound error: %v", err)
	}

	update := waitUpdate(t, m, "snapshot to land", func(u Update) bool {
		return u.Phase == PhaseConnected && len(u.Sessions) == 1
	})
	if update.Sessions[0].SessionID != "s1" || update.Sessions[0].Status != "ready" {
		t.Fatalf("update.Sessions[0] = %+v, want s1 ready", update.Sessions[0])
	}

	// Incremental events refine the view without a new snapshot.
	if err := server.conn.WriteOutbound(wire.QR{SessionID: "s2", QRCode: "qr-data"}); err != nil {
		t.Fatalf("WriteOutbound error: %v", err)
	}
	waitUpdate(t, m, "increment to land", func(u Update) bool {
		return len(u.Sessions) == 2
	})

	// Requests from the consumer ride the same connection. net.Pipe
	// writes are synchronous, so the server side must already be
	// reading when Send goes out.
	type inbound struct {
		msg wire.Inbound
		err error
	}
	forwarded := make(chan inbound, 1)
	go func() {
		msg, err := server.conn.ReadInbound()
		forwarded <- inbound{msg, err}
	}()
	if err := m.Send(wire.CreateSession{}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	select {
	case got := <-forwarded:
		if got.err != nil {
			t.Fatalf("ReadInbound error: %v", got.err)
		}
		if _, ok := got.msg.(wire.CreateSession); !ok {
			t.Fatalf("forwarded inbound = %T, want CreateSession", got.msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the server")
	}
}

func TestManagerReconnectRefetchesState(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	first, firstClient := newPipePair()
	second, secondClient := newPipePair()
	conns := make(chan Conn, 2)
	conns <- firstClient
	conns <- secondClient

	m, err := New(Config{Dial: dialQueue(conns), Clock: clk})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, err := first.conn.ReadInbound(); err != nil {
		t.Fatalf("first ReadInbound error: %v", err)
	}
	if err := first.conn.WriteOutbound(wire.SessionsUpdate{Sessions: []wire.SessionSummary{
		{SessionID: "stale", Status: "ready"},
	}}); err != nil {
		t.Fatalf("WriteOutbound error: %v", err)
	}
	waitUpdate(t, m, "first snapshot", func(u Update) bool {
		return u.Phase == PhaseConnected && len(u.Sessions) == 1
	})

	// Drop the connection. The manager must reconnect and ask for
	// the full state again rather than trust what it had.
	first.conn.Close()

	msg, err := second.conn.ReadInbound()
	if err != nil {
		t.Fatalf("second ReadInbound error: %v", err)
	}
	if _, ok := msg.(wire.GetInitialData); !ok {
		t.Fatalf("inbound after reconnect = %T, want GetInitialData", msg)
	}

	if err := second.conn.WriteOutbound(wire.SessionsUpdate{Sessions: []wire.SessionSummary{
		{SessionID: "fresh", Status: "pending"},
	}}); err != nil {
		t.Fatalf("WriteOutbound error: %v", err)
	}
	update := waitUpdate(t, m, "post-reconnect snapshot", func(u Update) bool {
		return u.Phase == PhaseConnected && len(u.Sessions) == 1 && u.Sessions[0].SessionID == "fresh"
	})
	if update.Sessions[0].SessionID != "fresh" {
		t.Fatalf("view after reconnect = %+v, want [fresh]", update.Sessions)
	}
}

func TestManagerSendWhileDisconnected(t *testing.T) {
	m, err := New(Config{
		Dial:  func(ctx context.Context) (Conn, error) { return nil, errors.New("refused") },
		Clock: clock.Fake(time.Time{}),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := m.Send(wire.CreateSession{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
}
