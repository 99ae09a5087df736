// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package automation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/msgfleet/msgfleet/lib/clock"
)

// destroyGracePeriod is how long Destroy waits after SIGTERM before
// sending SIGKILL. The runner needs a moment to flush its profile
// directory so the session can be restored later.
const destroyGracePeriod = 5 * time.Second

// eventBufferSize is the runner event channel capacity. The
// coordinator drains promptly; the buffer only absorbs the burst a
// runner emits right after startup (state changes plus the first QR).
const eventBufferSize = 16

// RunnerConfig holds the parameters for provisioning a runner-backed
// adapter.
type RunnerConfig struct {
	// Profile describes the runner executable and launch flags.
	Profile *Profile

	// Identity is the client identity to launch with. For a new
	// session the DataDir may be empty; Provision then derives it
	// from the profile's DataRoot.
	Identity ClientIdentity

	// Clock schedules the destroy grace period. Required.
	Clock clock.Clock

	// Logger receives runner lifecycle messages. Nil means discard.
	Logger *slog.Logger
}

// Runner is an Adapter backed by the external browser-automation
// runner process. Events are decoded from the runner's stdout, one
// JSON object per line, discriminated by an "event" field.
type Runner struct {
	identity ClientIdentity
	cmd      *exec.Cmd
	events   chan Event
	clock    clock.Clock
	logger   *slog.Logger

	destroyed   atomic.Bool
	destroyOnce sync.Once
	destroyErr  error

	// stop is closed by Destroy before it blocks on waitDone. The
	// pump's channel sends select on it, so a backlog of undelivered
	// events can never keep the pump from reaching cmd.Wait. The
	// caller of Destroy is typically the same goroutine that consumes
	// Events, so nobody is draining the channel at that point.
	stop chan struct{}

	// waitDone is closed once cmd.Wait has returned. Destroy blocks
	// on it so the process is fully reaped before Destroy returns.
	waitDone chan struct{}
}

// runnerEvent is the runner's stdout line format.
type runnerEvent struct {
	Event       string `json:"event"`
	Data        string `json:"data,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	From        string `json:"from,omitempty"`
	Body        string `json:"body,omitempty"`
	State       string `json:"state,omitempty"`
	Message     string `json:"message,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Provision launches a runner process for the given identity. On any
// failure the partially-started process is torn down; the caller never
// receives a half-provisioned adapter.
func Provision(ctx context.Context, cfg RunnerConfig) (*Runner, error) {
	if cfg.Profile == nil {
		return nil, fmt.Errorf("automation: Profile is required")
	}
	if cfg.Identity.ClientID == "" {
		return nil, fmt.Errorf("automation: Identity.ClientID is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("automation: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	identity := cfg.Identity
	if identity.DataDir == "" {
		identity.DataDir = filepath.Join(cfg.Profile.DataRoot, identity.ClientID)
	}
	if err := os.MkdirAll(identity.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("automation: creating data dir: %w", err)
	}

	args := append([]string(nil), cfg.Profile.Args...)
	args = append(args,
		"--client-id", identity.ClientID,
		"--data-dir", identity.DataDir,
	)
	if cfg.Profile.UserAgent != "" {
		args = append(args, "--user-agent", cfg.Profile.UserAgent)
	}
	if cfg.Profile.headless() {
		args = append(args, "--headless")
	}

	cmd := exec.Command(cfg.Profile.Binary, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("automation: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("automation: starting runner: %w", err)
	}

	runner := &Runner{
		identity: identity,
		cmd:      cmd,
		events:   make(chan Event, eventBufferSize),
		clock:    cfg.Clock,
		logger:   logger,
		stop:     make(chan struct{}),
		waitDone: make(chan struct{}),
	}

	go runner.pump(stdout)

	logger.Info("runner started",
		"client_id", identity.ClientID,
		"pid", cmd.Process.Pid,
	)
	return runner, nil
}

// Identity returns the identity the runner was launched with,
// including the derived data directory.
func (r *Runner) Identity() ClientIdentity { return r.identity }

// Events returns the decoded lifecycle event stream. Closed when the
// runner process exits.
func (r *Runner) Events() <-chan Event { return r.events }

// pump decodes NDJSON events from the runner's stdout until it
// closes, then reaps the process. An unexpected exit (not triggered by
// Destroy) is surfaced as a final EventDisconnected so the coordinator
// tears the session down.
//
// Every channel send selects on the stop signal: once Destroy has
// begun, remaining events are dropped and the pump drains stdout to
// EOF so cmd.Wait (and with it waitDone) is always reached.
func (r *Runner) pump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		event, err := decodeRunnerEvent(scanner.Bytes())
		if err != nil {
			r.logger.Warn("undecodable runner event",
				"client_id", r.identity.ClientID,
				"error", err,
			)
			continue
		}
		select {
		case r.events <- event:
		case <-r.stop:
		}
	}

	err := r.cmd.Wait()
	close(r.waitDone)

	if !r.destroyed.Load() {
		reason := "runner exited"
		if err != nil {
			reason = fmt.Sprintf("runner exited: %v", err)
		}
		select {
		case r.events <- EventDisconnected{Reason: reason}:
		case <-r.stop:
		}
	}
	close(r.events)
}

// decodeRunnerEvent maps one stdout line to a typed Event.
func decodeRunnerEvent(line []byte) (Event, error) {
	var raw runnerEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decoding runner event: %w", err)
	}
	switch raw.Event {
	case "qr":
		return EventQR{Data: raw.Data}, nil
	case "authenticated":
		return EventAuthenticated{PhoneNumber: raw.PhoneNumber}, nil
	case "ready":
		return EventReady{}, nil
	case "message":
		return EventMessage{From: raw.From, Body: raw.Body}, nil
	case "state_change":
		return EventStateChange{State: raw.State}, nil
	case "auth_failure":
		return EventAuthFailure{Message: raw.Message}, nil
	case "disconnected":
		return EventDisconnected{Reason: raw.Reason}, nil
	default:
		return nil, fmt.Errorf("unknown runner event %q", raw.Event)
	}
}

// Destroy terminates the runner: SIGTERM, a grace period for the
// profile directory flush, then SIGKILL. Idempotent — later calls
// return the first call's result without re-signaling.
func (r *Runner) Destroy(ctx context.Context) error {
	r.destroyOnce.Do(func() {
		r.destroyed.Store(true)
		close(r.stop)

		if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Process already gone; Wait in pump reaps it.
			r.logger.Debug("runner SIGTERM failed",
				"client_id", r.identity.ClientID,
				"error", err,
			)
		}

		select {
		case <-r.waitDone:
		case <-r.clock.After(destroyGracePeriod):
			r.logger.Warn("runner did not exit in grace period, killing",
				"client_id", r.identity.ClientID,
			)
			_ = r.cmd.Process.Kill()
			<-r.waitDone
		case <-ctx.Done():
			_ = r.cmd.Process.Kill()
			r.destroyErr = ctx.Err()
			return
		}

		r.logger.Info("runner destroyed", "client_id", r.identity.ClientID)
	})
	return r.destroyErr
}
