// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge exposes a socket backend to ordinary host programs.
//
// A [Bridge] listens on a host TCP port or Unix socket and forwards
// every accepted connection to a fixed target through a
// transport.Dialer: a sockconn.Dialer reaches host:port targets over
// the backend's TCP endpoints, and a WebRTCTransport reaches named
// nodes over data channels. This lets an unmodified client talk to a
// service that is only reachable through the event stack's tunnel:
//
//	peersock-probe forward --listen 127.0.0.1:8642 10.77.0.2:80
//
// Stream endpoints have no half-close, so the target never sees the
// local client's EOF. After that EOF the reply path stays open until
// the target closes. Stop closes the listener and every forwarded
// connection. Addr returns the bound address, which may use an
// ephemeral port if port 0 was requested.
package bridge
