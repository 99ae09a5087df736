// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"

	"github.com/msgfleet/msgfleet/wire"
)

// observerQueueSize is the per-observer outbound buffer. The writer
// goroutine drains it at connection speed; a full queue means the
// observer cannot keep up and messages for it are skipped. Snapshots
// are authoritative, so a skipped increment heals on the next
// sessions_update.
const observerQueueSize = 64

// Transport is the write half of one observer connection. *wire.Conn
// satisfies it.
type Transport interface {
	WriteOutbound(msg wire.Outbound) error
	Close() error
}

// Hub fans outbound messages to every connected observer. Delivery is
// best-effort and non-blocking: Broadcast enqueues and returns; a
// per-observer writer goroutine performs the actual writes. An
// observer that cannot accept a message — closed connection, or
// backpressured past its queue bound — is skipped, never retried, and
// never affects delivery to other observers or the coordinator's
// progress.
type Hub struct {
	logger *slog.Logger

	mu        sync.Mutex
	observers map[*Observer]struct{}
}

// Observer is the hub-side handle for one connected observer.
type Observer struct {
	hub       *Hub
	transport Transport
	queue     chan wire.Outbound
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		logger:    logger,
		observers: make(map[*Observer]struct{}),
	}
}

// Attach registers a transport and starts its writer goroutine. The
// returned handle targets per-observer sends and is detached either
// explicitly (connection closed by its reader) or by the writer on a
// write failure.
func (h *Hub) Attach(transport Transport) *Observer {
	observer := &Observer{
		hub:       h,
		transport: transport,
		queue:     make(chan wire.Outbound, observerQueueSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.observers[observer] = struct{}{}
	count := len(h.observers)
	h.mu.Unlock()

	go observer.write()

	h.logger.Debug("observer attached", "observers", count)
	return observer
}

// Detach unregisters the observer and stops its writer. Idempotent.
// The transport itself is closed by whoever owns the connection — the
// reader loop on clean shutdown, or the writer on a write failure.
func (h *Hub) Detach(observer *Observer) {
	h.mu.Lock()
	_, present := h.observers[observer]
	delete(h.observers, observer)
	count := len(h.observers)
	h.mu.Unlock()

	observer.closeOnce.Do(func() { close(observer.done) })

	if present {
		h.logger.Debug("observer detached", "observers", count)
	}
}

// Broadcast enqueues msg for every connected observer. Never blocks:
// observers with a full queue are skipped.
func (h *Hub) Broadcast(msg wire.Outbound) {
	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.observers))
	for observer := range h.observers {
		targets = append(targets, observer)
	}
	h.mu.Unlock()

	for _, observer := range targets {
		observer.Send(msg)
	}
}

// ObserverCount returns the number of attached observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Send enqueues msg for this observer only. Never blocks; returns
// false when the message was skipped (queue full or observer
// detached).
func (o *Observer) Send(msg wire.Outbound) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.queue <- msg:
		return true
	default:
		o.hub.logger.Warn("observer queue full, skipping message")
		return false
	}
}

// write drains the queue onto the transport until the observer is
// detached or a write fails. On failure the transport is closed so the
// connection's reader unblocks, and the observer detaches itself.
func (o *Observer) write() {
	for {
		select {
		case <-o.done:
			return
		case msg := <-o.queue:
			if err := o.transport.WriteOutbound(msg); err != nil {
				o.hub.logger.Debug("observer write failed, detaching", "error", err)
				_ = o.transport.Close()
				o.hub.Detach(o)
				return
			}
		}
	}
}
