// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rawstack is a small callback-driven network stack in the
// style of lwIP's raw API. It has no goroutines and no timers of its
// own: frames handed to [Stack.Input] by a link driver wait in an
// inbox until the application pumps the stack with [Stack.Poll], and
// every protocol callback (UDP receive, TCP receive, connected,
// accepted, error) runs inside that Poll.
//
// # Network context
//
// [Stack] implements sync.Locker. The lock is the network context:
// every PCB method and Poll itself must be called with it held, and
// callbacks run with it held. Input is the one entry point that does
// not need it; link drivers call Input from their own goroutines the
// way an interrupt handler queues a received frame.
//
//	stack.Lock()
//	stack.Poll()
//	n := queue.PopInto(buf)
//	stack.Unlock()
//
// # Protocols
//
// UDP is connectionless with IGMP-style group membership per stack.
// TCP implements the three-way handshake, sequence-checked in-order
// delivery, a sliding receive window, FIN and RST. There is no
// retransmission and no congestion control: a sequence gap aborts the
// connection. Data a receive callback refuses stays with the PCB and
// is offered again on every Poll; the advertised window only reopens
// for bytes the application acknowledges with [TCPPCB.Recved].
//
// # Links
//
// A [Link] carries [Frame]s between stacks. [Hub] joins stacks in one
// process; [PacketLink] tunnels CBOR-encoded frames over a host UDP
// socket. A frame addressed to a host the link cannot reach vanishes,
// which is how unreachable destinations look to a connecting PCB.
package rawstack
