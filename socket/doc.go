// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package socket defines the endpoint contract shared by peersock's
// two network backends, and the buffers that sit between a backend's
// delivery path and the caller.
//
// A caller holds a [UDPEndpoint] or [TCPEndpoint] obtained from a
// [Backend] and drives it with non-blocking calls. Each call first
// pumps the backend: on the posix backend that is the syscall itself;
// on the event backend it runs the raw stack's pending receive work,
// whose callbacks fill the endpoint's [DatagramQueue] or
// [StreamBuffer]. The call then moves data between the caller and
// that buffer.
//
// Results follow classic non-blocking socket conventions:
//
//   - (0, nil) from a send or receive is backpressure. Nothing could
//     move right now; retry later.
//   - A short TCP send is also backpressure. Resend the remainder.
//   - A datagram that arrives while the queue is full is dropped and
//     counted in [DatagramQueue.Dropped]. It is never an error.
//   - A fatal peer or stack condition ([ErrPeer]) is latched on the
//     endpoint and returned by every later call until Close.
//   - After Close, every call returns [ErrClosed] and Close itself is
//     a no-op.
//
// Only TCPEndpoint.Connect blocks, for at most its timeout.
//
// Backend choice is fixed at build time by socket/backend. Both
// backends pass the contract suite in socket/sockettest.
package socket
