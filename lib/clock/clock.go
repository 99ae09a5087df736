// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance time deterministically.
//
// Everything in msgfleet that schedules work — QR expiry timers,
// reconnect backoff waits, lastActiveAt stamps — goes through a Clock
// instead of calling the time package directly. That makes the QR
// generation guard and the backoff sequence testable without
// wall-clock sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real clock) or synchronously during Advance (fake
	// clock). The returned Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Timer is a handle to a scheduled AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. Returns true if the call was
// cancelled, false if it already ran or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
