// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package that peersock waits on.
// Production code uses Real(); tests use Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that
	// can cancel the call. The returned Timer has a nil C.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// Timer is a pending AfterFunc call.
type Timer struct {
	// C is always nil for AfterFunc timers; it exists so Timer reads
	// like time.Timer at call sites.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the call. It reports whether the call was still
// pending.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the call d from now. It reports whether the call
// was still pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
