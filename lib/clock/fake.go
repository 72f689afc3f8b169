// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*alarm
	changed *sync.Cond
}

// alarm is one registered wait: a Sleep or After (deliver set) or an
// AfterFunc (call set).
type alarm struct {
	due      time.Time
	deliver  chan time.Time
	call     func()
	canceled bool
	done     bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a wait of d. A non-positive d is delivered at once
// and registers nothing.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	deliver := make(chan time.Time, 1)
	if d <= 0 {
		deliver <- c.now
		return deliver
	}
	c.addLocked(&alarm{due: c.now.Add(d), deliver: deliver})
	return deliver
}

// Sleep blocks until Advance moves the clock past now+d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// AfterFunc registers f to run during the Advance that crosses now+d.
// A non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	a := &alarm{due: c.now.Add(d), call: f}
	c.addLocked(a)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := !a.canceled && !a.done
			a.canceled = true
			return wasPending
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := !a.canceled && !a.done
			a.due = c.now.Add(d)
			a.canceled = false
			if a.done {
				a.done = false
				c.addLocked(a)
			}
			return wasPending
		},
	}
}

func (c *FakeClock) addLocked(a *alarm) {
	c.pending = append(c.pending, a)
	c.changed.Broadcast()
}

// Advance moves time forward by d and fires every wait that falls due,
// earliest first. AfterFunc callbacks run on the calling goroutine and
// must not call Advance themselves.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, a := range due {
			if a.call != nil {
				a.call()
				continue
			}
			select {
			case a.deliver <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) takeDue(target time.Time) []*alarm {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*alarm
	kept := c.pending[:0]
	for _, a := range c.pending {
		switch {
		case a.canceled:
		case a.due.After(target):
			kept = append(kept, a)
		default:
			a.done = true
			due = append(due, a)
		}
	}
	clear(c.pending[len(kept):])
	c.pending = kept

	slices.SortStableFunc(due, func(x, y *alarm) int { return x.due.Compare(y.due) })
	return due
}

// WaitForTimers blocks until at least n waits are registered and not
// yet fired. Call it before Advance when another goroutine is about to
// Sleep.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.countLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports how many waits are registered and not yet
// fired.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked()
}

func (c *FakeClock) countLocked() int {
	n := 0
	for _, a := range c.pending {
		if !a.canceled {
			n++
		}
	}
	return n
}
