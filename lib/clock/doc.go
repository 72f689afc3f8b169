// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every wait in peersock.
//
// Endpoint connect loops, adapter read deadlines, and STUN retransmit
// timers sleep on a Clock rather than the time package, so tests can
// drive a ten second connect timeout in microseconds:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go func() { done <- endpoint.Connect(addr, 200*time.Millisecond) }()
//	c.WaitForTimers(1)               // the loop is parked in Sleep
//	c.Advance(10 * time.Millisecond) // one poll interval passes
//
// WaitForTimers closes the race between a goroutine registering its
// sleep and the test moving time forward.
package clock
