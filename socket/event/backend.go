// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/peersock/lib/rawstack"
	"github.com/bureau-foundation/peersock/socket"
)

// Name is the backend name used in errors and logs.
const Name = "event"

// Backend creates endpoints that share one raw stack.
type Backend struct {
	stack   *rawstack.Stack
	options socket.Options
	logger  *slog.Logger

	// Both arenas are guarded by the stack lock.
	udp *arena[udpBlock]
	tcp *arena[tcpBlock]
}

// New returns a backend driving stack. Receive queues and stream
// buffers for every arena block are allocated here.
func New(stack *rawstack.Stack, options socket.Options) (*Backend, error) {
	if stack == nil {
		return nil, fmt.Errorf("event backend: nil stack")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("event backend: %w", err)
	}
	options = options.WithDefaults()
	return &Backend{
		stack:   stack,
		options: options,
		logger:  options.Logger.With("backend", Name),
		udp: newArena(options.UDPBlocks, func(block *udpBlock) {
			block.queue = socket.NewDatagramQueue(options.QueueCapacity, options.MaxDatagramSize, options.Overflow)
		}),
		tcp: newArena(options.TCPBlocks, func(block *tcpBlock) {
			block.buffer = socket.NewStreamBuffer(options.StreamCapacity)
		}),
	}, nil
}

func (b *Backend) Name() string { return Name }

// NewUDP returns a closed UDP endpoint. It takes no arena block until
// Open.
func (b *Backend) NewUDP() socket.UDPEndpoint { return &UDPEndpoint{backend: b} }

// NewTCP returns a closed TCP endpoint.
func (b *Backend) NewTCP() socket.TCPEndpoint { return &TCPEndpoint{backend: b} }

// Stack returns the stack the backend drives.
func (b *Backend) Stack() *rawstack.Stack { return b.stack }

// Usage reports how many UDP and TCP blocks are in use.
func (b *Backend) Usage() (udp, tcp int) {
	b.stack.Lock()
	defer b.stack.Unlock()
	return b.udp.inUse(), b.tcp.inUse()
}

func (b *Backend) opError(op string, address socket.Address, err, cause error) *socket.OpError {
	return &socket.OpError{Op: op, Backend: Name, Address: address, Err: err, Cause: cause}
}

func ipType(family socket.Family) rawstack.IPType {
	if family == socket.FamilyIPv6 {
		return rawstack.IPv6
	}
	return rawstack.IPv4
}
