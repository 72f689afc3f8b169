// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import "time"

// UDPEndpoint is a datagram socket. A new endpoint is closed; Open
// binds it.
type UDPEndpoint interface {
	// Open binds to the wildcard address of family on port (0 picks an
	// ephemeral port) and returns the bound port. Received datagrams
	// are queued from then on.
	Open(family Family, port uint16) (uint16, error)

	// SendTo sends payload as one datagram. On success it returns
	// len(payload). (0, nil) is backpressure.
	SendTo(address Address, payload []byte) (int, error)

	// RecvFrom pumps the backend and then dequeues one datagram into
	// buf, truncating it if buf is short. (0, Address{}, nil) means
	// nothing is queued. It never sleeps.
	RecvFrom(buf []byte) (int, Address, error)

	// JoinMulticastGroup subscribes to group. Joining a group twice
	// is a no-op.
	JoinMulticastGroup(group Address) error

	// LocalAddress returns the bound address, or the zero Address
	// when not open.
	LocalAddress() Address

	// Close unbinds and releases the endpoint. Closing twice is a
	// no-op.
	Close() error
}

// TCPEndpoint is a stream socket for active opens.
type TCPEndpoint interface {
	// Open allocates the backend control block for family.
	Open(family Family) error

	// Connect starts an active open to address and waits up to timeout
	// for it to complete. A non-positive timeout uses the backend's
	// configured default. It returns nil only when State is
	// StateConnected; otherwise State is StateErrored and the error
	// wraps ErrConnect or ErrTimeout.
	Connect(address Address, timeout time.Duration) error

	// Send pumps the backend and queues up to len(payload) bytes,
	// bounded by the backend's transmit window. A short count,
	// including zero, is backpressure.
	Send(payload []byte) (int, error)

	// Recv pumps the backend and copies buffered bytes into buf. Zero
	// means nothing is buffered yet.
	Recv(buf []byte) (int, error)

	// State returns the connection state.
	State() State

	// LocalAddress returns the bound address once connected.
	LocalAddress() Address

	// RemoteAddress returns the address passed to Connect.
	RemoteAddress() Address

	// Close tears the connection down once and returns the endpoint
	// to StateClosed. Closing twice is a no-op.
	Close() error
}

// Backend creates endpoints. The build selects one implementation;
// see socket/backend.
type Backend interface {
	Name() string
	NewUDP() UDPEndpoint
	NewTCP() TCPEndpoint
}

// Stats is a point-in-time snapshot of a UDP endpoint's receive queue.
type Stats struct {
	Queued  int
	Dropped uint64
}

// StatsReporter is implemented by UDP endpoints that expose receive
// queue statistics.
type StatsReporter interface {
	Stats() Stats
}
