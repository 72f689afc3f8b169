// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"errors"
	"io"
	"strings"
)

// Error kinds. Every error an endpoint returns wraps exactly one of
// these, usually inside an *OpError. Backpressure and receive
// overflow are not errors and have no sentinel.
var (
	// ErrAllocation means no control block, descriptor, or packet
	// buffer was available.
	ErrAllocation = errors.New("allocation failure")

	// ErrBind means the requested local address or port is unusable.
	ErrBind = errors.New("bind failure")

	// ErrConnect means an active open was refused or failed.
	ErrConnect = errors.New("connect failure")

	// ErrTimeout means an active open did not complete in time.
	ErrTimeout = errors.New("connect timeout")

	// ErrPeer is a latched fatal condition: reset, remote close, or a
	// stack-level error. It stays latched until Close.
	ErrPeer = errors.New("peer error")

	// ErrClosed is returned by every operation on a closed endpoint.
	ErrClosed = errors.New("endpoint closed")

	// ErrNotConnected is returned by TCP Send and Recv before Connect
	// has succeeded.
	ErrNotConnected = errors.New("endpoint not connected")

	// ErrAlreadyOpen is returned by Open on an endpoint that is open.
	ErrAlreadyOpen = errors.New("endpoint already open")

	// ErrInvalidAddress rejects malformed or wrong-family addresses.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrDatagramTooLarge rejects a SendTo payload over the configured
	// maximum datagram size.
	ErrDatagramTooLarge = errors.New("datagram too large")

	// ErrTransmit means the backend refused a datagram outright, as
	// opposed to asking for a retry.
	ErrTransmit = errors.New("transmit failure")

	// ErrInvalidState rejects an operation the endpoint's state does
	// not allow, such as Connect while already connecting.
	ErrInvalidState = errors.New("invalid endpoint state")
)

// OpError describes a failed endpoint operation. Err is one of the
// package's sentinels; Cause is the backend detail (an errno, a raw
// stack error) and may be nil. errors.Is matches both.
type OpError struct {
	Op      string
	Backend string
	Address Address
	Err     error
	Cause   error
}

func (e *OpError) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteByte(' ')
	}
	b.WriteString(e.Op)
	if e.Address.IsValid() {
		b.WriteByte(' ')
		b.WriteString(e.Address.String())
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Timeout reports whether the operation timed out. Together with
// Temporary it satisfies net.Error.
func (e *OpError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

// Temporary is always false: retryable conditions are reported as
// backpressure, never as errors.
func (e *OpError) Temporary() bool { return false }

// IsRemoteClose reports whether err is the latched error for a peer
// that closed its side of a TCP stream in an orderly way, as opposed
// to a reset. Adapters translate it to io.EOF.
func IsRemoteClose(err error) bool {
	return errors.Is(err, ErrPeer) && errors.Is(err, io.EOF)
}
