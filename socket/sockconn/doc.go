// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sockconn adapts socket endpoints to the net package's
// connection interfaces so protocol engines written against net.Conn
// and net.PacketConn (HTTP, pion ICE, STUN clients) run unchanged over
// either backend.
//
// Endpoint operations never block: an empty receive queue or a closed
// transmit window is reported as a zero count. The adapters turn that
// into blocking I/O by retrying every Options.PollInterval on
// Options.Clock until data arrives, a deadline passes, or the adapter
// is closed. Deadlines are checked between polls, so a deadline fires
// at most one poll interval late.
//
// [PacketConn] wraps an open UDP endpoint. [StreamConn] wraps a
// connected TCP endpoint and translates an orderly remote close into
// io.EOF. [Dialer] opens, connects, and wraps TCP endpoints from a
// Backend, honoring context cancellation by closing the endpoint.
package sockconn
