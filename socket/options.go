// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/peersock/lib/clock"
)

// Defaults, taken from the constrained targets the event backend was
// first sized for.
const (
	DefaultQueueCapacity   = 8
	DefaultMaxDatagramSize = 2048
	DefaultStreamCapacity  = 4096
	DefaultConnectTimeout  = 10 * time.Second
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultUDPBlocks       = 4
	DefaultTCPBlocks       = 4
)

// Options sizes endpoint buffers and sets timing. Sizes are fixed when
// an endpoint opens. Zero fields take the defaults above.
type Options struct {
	// QueueCapacity is the number of datagrams a UDP endpoint buffers
	// between RecvFrom calls.
	QueueCapacity int

	// MaxDatagramSize bounds SendTo payloads and received datagrams.
	// Longer received datagrams are truncated.
	MaxDatagramSize int

	// Overflow picks which datagram a full queue loses.
	Overflow OverflowPolicy

	// StreamCapacity is the TCP receive buffer size.
	StreamCapacity int

	// ConnectTimeout applies when Connect is given a non-positive
	// timeout.
	ConnectTimeout time.Duration

	// PollInterval is how long Connect sleeps between pumps.
	PollInterval time.Duration

	// UDPBlocks and TCPBlocks size the event backend's control block
	// arenas. The posix backend ignores them.
	UDPBlocks int
	TCPBlocks int

	Clock  clock.Clock
	Logger *slog.Logger
}

// WithDefaults returns o with every zero field filled in.
func (o Options) WithDefaults() Options {
	if o.QueueCapacity == 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.MaxDatagramSize == 0 {
		o.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if o.StreamCapacity == 0 {
		o.StreamCapacity = DefaultStreamCapacity
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.UDPBlocks == 0 {
		o.UDPBlocks = DefaultUDPBlocks
	}
	if o.TCPBlocks == 0 {
		o.TCPBlocks = DefaultTCPBlocks
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Validate rejects negative sizes and unknown policies.
func (o Options) Validate() error {
	var errs []error
	positive := func(name string, value int) {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, value))
		}
	}
	positive("queue capacity", o.QueueCapacity)
	positive("max datagram size", o.MaxDatagramSize)
	positive("stream capacity", o.StreamCapacity)
	positive("udp blocks", o.UDPBlocks)
	positive("tcp blocks", o.TCPBlocks)
	if o.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connect timeout must not be negative, got %v", o.ConnectTimeout))
	}
	if o.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval must not be negative, got %v", o.PollInterval))
	}
	if o.Overflow != DropNewest && o.Overflow != DropOldest {
		errs = append(errs, fmt.Errorf("unknown overflow policy %v", o.Overflow))
	}
	return errors.Join(errs...)
}

// Deadline returns when a Connect called now with timeout gives up.
func (o Options) Deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = o.ConnectTimeout
	}
	return o.Clock.Now().Add(timeout)
}
