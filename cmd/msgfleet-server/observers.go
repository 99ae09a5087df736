// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/msgfleet/msgfleet/session"
	"github.com/msgfleet/msgfleet/wire"
)

// observerServer accepts observer connections and dispatches their
// requests against the coordinator. Each connection gets a reader
// goroutine here and a writer goroutine inside the hub; the two halves
// are independent so a slow write never stalls request handling.
type observerServer struct {
	coordinator *session.Coordinator
	hub         *session.Hub
	logger      *slog.Logger
}

// serve accepts connections until the listener is closed or ctx is
// cancelled.
func (s *observerServer) serve(ctx context.Context, listener net.Listener) {
	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		go s.handle(ctx, raw)
	}
}

// handle owns one observer connection's read side.
func (s *observerServer) handle(ctx context.Context, raw net.Conn) {
	conn := wire.NewConn(raw)
	observer := s.hub.Attach(conn)
	remote := raw.RemoteAddr().String()
	s.logger.Info("observer connected", "remote", remote)

	defer func() {
		s.hub.Detach(observer)
		conn.Close()
		s.logger.Info("observer disconnected", "remote", remote)
	}()

	for {
		msg, err := conn.ReadInbound()
		if err != nil {
			var protocolErr *wire.ProtocolError
			if errors.As(err, &protocolErr) {
				// A malformed request poisons only itself. Report it
				// on this connection and keep reading.
				observer.Send(wire.ErrorMessage{Message: protocolErr.Error()})
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Warn("observer read failed", "remote", remote, "error", err)
			}
			return
		}
		s.dispatch(ctx, observer, msg)
	}
}

// dispatch applies one observer request. Responses targeting only the
// requesting observer go through its handle; state transitions reach
// everyone through the hub.
func (s *observerServer) dispatch(ctx context.Context, observer *session.Observer, msg wire.Inbound) {
	switch m := msg.(type) {
	case wire.CreateSession:
		if _, err := s.coordinator.CreateSession(ctx, observer); err != nil {
			s.logger.Error("create session failed", "error", err)
			observer.Send(wire.ErrorMessage{Message: "session creation failed"})
		}
	case wire.GetInitialData:
		observer.Send(wire.SessionsUpdate{Sessions: s.coordinator.Snapshot()})
		observer.Send(wire.AuthorizedUsers{Users: s.coordinator.AuthorizedUsers()})
	case wire.DeleteSession:
		if err := s.coordinator.DeleteSession(ctx, m.SessionID); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				observer.Send(wire.ErrorMessage{Message: "unknown session " + m.SessionID})
			} else {
				s.logger.Error("delete session failed", "session_id", m.SessionID, "error", err)
				observer.Send(wire.ErrorMessage{Message: "session deletion failed"})
			}
		}
	case wire.ValidateSessions:
		observer.Send(wire.SessionsValidated{
			Sessions: s.coordinator.ValidateSessions(m.Sessions),
		})
	default:
		observer.Send(wire.ErrorMessage{Message: "unsupported request"})
	}
}
