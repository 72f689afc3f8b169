// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/peersock/lib/clock"
)

// poller holds the state shared by both adapters: the deadlines, the
// clock they are measured on, and the closed signal that interrupts a
// wait.
type poller struct {
	clock    clock.Clock
	interval time.Duration

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func newPoller(clk clock.Clock, interval time.Duration) poller {
	return poller{
		clock:    clk,
		interval: interval,
		closed:   make(chan struct{}),
	}
}

// wait sleeps one poll interval. It returns os.ErrDeadlineExceeded if
// the deadline selected by write has already passed and net.ErrClosed
// if the adapter is closed before or during the sleep.
func (p *poller) wait(write bool) error {
	if p.isClosed() {
		return net.ErrClosed
	}
	if p.expired(write) {
		return os.ErrDeadlineExceeded
	}
	select {
	case <-p.closed:
		return net.ErrClosed
	case <-p.clock.After(p.interval):
		return nil
	}
}

func (p *poller) expired(write bool) bool {
	p.mu.Lock()
	deadline := p.readDeadline
	if write {
		deadline = p.writeDeadline
	}
	p.mu.Unlock()
	return !deadline.IsZero() && !p.clock.Now().Before(deadline)
}

func (p *poller) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// close reports whether this call did the closing.
func (p *poller) close() bool {
	first := false
	p.closeOnce.Do(func() {
		close(p.closed)
		first = true
	})
	return first
}

// SetDeadline sets both deadlines. The zero time clears them.
func (p *poller) SetDeadline(deadline time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readDeadline = deadline
	p.writeDeadline = deadline
	return nil
}

func (p *poller) SetReadDeadline(deadline time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readDeadline = deadline
	return nil
}

func (p *poller) SetWriteDeadline(deadline time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeDeadline = deadline
	return nil
}
