// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries HTTP and other stream protocols over the
// endpoints of a socket backend.
//
// [Listener] accepts inbound connections and [Dialer] opens outbound
// ones. Two dialers exist. [sockconn.Dialer] opens a TCP endpoint per
// connection and is what [EndpointTransport] uses to send ordinary
// HTTP requests through a backend. [WebRTCTransport] implements both
// interfaces: it opens one UDP endpoint, multiplexes the ICE traffic
// of every PeerConnection onto it, and hands out detached data
// channels wrapped as [DataChannelConn]. Each pair of nodes shares a
// single PeerConnection whose SCTP association carries one data
// channel per request.
//
// Signaling is abstracted behind [Signaler]. [MemorySignaler] serves
// nodes in one process. SDP is exchanged in vanilla ICE mode: every
// candidate is gathered before an offer or answer is published. When
// both nodes offer at once, the node with the lexicographically smaller
// name keeps its offer and the other answers.
//
// [STUNProbe] learns the public address a UDP endpoint maps to by
// sending binding requests through a net.PacketConn, normally a
// [sockconn.PacketConn]. [ICEConfig] collects the STUN and TURN servers
// handed to pion.
package transport
