// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"net/http"

	"github.com/bureau-foundation/peersock/socket/sockconn"
)

// Compile-time interface check.
var _ Dialer = (*sockconn.Dialer)(nil)

// Listener accepts inbound connections and serves HTTP on them.
type Listener interface {
	// Serve starts accepting connections and dispatches to handler.
	// Blocks until ctx is cancelled or Close is called. Returns nil
	// on clean shutdown.
	Serve(ctx context.Context, handler http.Handler) error

	// Address returns what peers pass to their Dialer to reach this
	// listener. The format is transport-specific.
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens stream connections. *sockconn.Dialer dials TCP
// endpoints from a socket backend; *WebRTCTransport dials data
// channels to named nodes.
type Dialer interface {
	// DialContext opens a connection to address, in the format the
	// peer's Listener.Address returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// HTTPTransport creates an http.RoundTripper that sends every request
// through dialer to address. The URL host in requests is ignored; it
// only selects the Host header.
func HTTPTransport(dialer Dialer, address string) http.RoundTripper {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, address)
		},
	}
}

// EndpointTransport creates an http.RoundTripper that dials each
// request's own host:port through dialer, so plain HTTP URLs work over
// the socket backend.
func EndpointTransport(dialer *sockconn.Dialer) http.RoundTripper {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := dialer.Dial(ctx, network, address)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}
