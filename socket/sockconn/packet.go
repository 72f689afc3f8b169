// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"errors"
	"net"

	"github.com/bureau-foundation/peersock/socket"
)

// Compile-time interface check.
var _ net.PacketConn = (*PacketConn)(nil)

// PacketConn is a net.PacketConn over an open UDP endpoint. ReadFrom
// and WriteTo block by polling; concurrent readers and writers are
// safe when the endpoint is.
type PacketConn struct {
	poller
	endpoint socket.UDPEndpoint
}

// NewPacketConn wraps endpoint, which must already be open. Only the
// Clock and PollInterval of options are used. Closing the PacketConn
// closes the endpoint.
func NewPacketConn(endpoint socket.UDPEndpoint, options socket.Options) *PacketConn {
	options = options.WithDefaults()
	return &PacketConn{
		poller:   newPoller(options.Clock, options.PollInterval),
		endpoint: endpoint,
	}
}

// Endpoint returns the wrapped endpoint.
func (c *PacketConn) Endpoint() socket.UDPEndpoint { return c.endpoint }

// ReadFrom waits for one datagram and copies it into buffer,
// truncating it if buffer is short. An empty buffer returns at once
// and leaves any queued datagram in place.
func (c *PacketConn) ReadFrom(buffer []byte) (int, net.Addr, error) {
	for {
		if c.isClosed() {
			return 0, nil, c.opError("read", nil, net.ErrClosed)
		}
		if len(buffer) == 0 {
			return 0, nil, nil
		}
		n, source, err := c.endpoint.RecvFrom(buffer)
		if err != nil {
			return 0, nil, c.opError("read", nil, translate(err))
		}
		if source.IsValid() {
			return n, source.UDPAddr(), nil
		}
		if err := c.wait(false); err != nil {
			return 0, nil, c.opError("read", nil, err)
		}
	}
}

// WriteTo sends payload as one datagram to address, retrying while the
// endpoint reports backpressure.
func (c *PacketConn) WriteTo(payload []byte, address net.Addr) (int, error) {
	destination, err := socket.AddressFromNet(address)
	if err != nil {
		return 0, c.opError("write", address, err)
	}
	for {
		if c.isClosed() {
			return 0, c.opError("write", address, net.ErrClosed)
		}
		n, err := c.endpoint.SendTo(destination, payload)
		if err != nil {
			return 0, c.opError("write", address, translate(err))
		}
		if n > 0 || len(payload) == 0 {
			return n, nil
		}
		if err := c.wait(true); err != nil {
			return 0, c.opError("write", address, err)
		}
	}
}

// Close closes the endpoint and wakes any blocked ReadFrom or WriteTo.
// Closing twice returns nil.
func (c *PacketConn) Close() error {
	if !c.close() {
		return nil
	}
	return c.endpoint.Close()
}

// LocalAddr returns the endpoint's bound address as a *net.UDPAddr.
func (c *PacketConn) LocalAddr() net.Addr {
	return c.endpoint.LocalAddress().UDPAddr()
}

// Stats reports the endpoint's receive queue, or the zero Stats when
// the endpoint does not expose one.
func (c *PacketConn) Stats() socket.Stats {
	if reporter, ok := c.endpoint.(socket.StatsReporter); ok {
		return reporter.Stats()
	}
	return socket.Stats{}
}

func (c *PacketConn) opError(op string, address net.Addr, err error) error {
	return &net.OpError{Op: op, Net: "udp", Source: c.LocalAddr(), Addr: address, Err: err}
}

// translate maps endpoint errors onto the values net callers test for.
// A closed endpoint is net.ErrClosed; everything else passes through
// so errors.Is still finds the socket sentinel.
func translate(err error) error {
	if errors.Is(err, socket.ErrClosed) {
		return net.ErrClosed
	}
	return err
}
