// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"io"
	"net"

	"github.com/bureau-foundation/peersock/socket"
)

// Compile-time interface check.
var _ net.Conn = (*StreamConn)(nil)

// StreamConn is a net.Conn over a connected TCP endpoint.
type StreamConn struct {
	poller
	endpoint socket.TCPEndpoint
}

// NewStreamConn wraps endpoint, which should be connected. Closing the
// StreamConn closes the endpoint.
func NewStreamConn(endpoint socket.TCPEndpoint, options socket.Options) *StreamConn {
	options = options.WithDefaults()
	return &StreamConn{
		poller:   newPoller(options.Clock, options.PollInterval),
		endpoint: endpoint,
	}
}

// Endpoint returns the wrapped endpoint.
func (c *StreamConn) Endpoint() socket.TCPEndpoint { return c.endpoint }

// Read waits until at least one byte is buffered. An orderly close by
// the peer is io.EOF once buffered data is drained; a reset or other
// latched failure is returned wrapped in a *net.OpError.
func (c *StreamConn) Read(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}
	for {
		if c.isClosed() {
			return 0, c.opError("read", net.ErrClosed)
		}
		n, err := c.endpoint.Recv(buffer)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			if socket.IsRemoteClose(err) {
				return 0, io.EOF
			}
			return 0, c.opError("read", translate(err))
		}
		if err := c.wait(false); err != nil {
			return 0, c.opError("read", err)
		}
	}
}

// Write queues all of payload, waiting through backpressure. On error
// it returns how many bytes were accepted first.
func (c *StreamConn) Write(payload []byte) (int, error) {
	written := 0
	for written < len(payload) {
		if c.isClosed() {
			return written, c.opError("write", net.ErrClosed)
		}
		n, err := c.endpoint.Send(payload[written:])
		written += n
		if err != nil {
			return written, c.opError("write", translate(err))
		}
		if n > 0 {
			continue
		}
		if err := c.wait(true); err != nil {
			return written, c.opError("write", err)
		}
	}
	return written, nil
}

// Close closes the endpoint. Closing twice returns nil.
func (c *StreamConn) Close() error {
	if !c.close() {
		return nil
	}
	return c.endpoint.Close()
}

func (c *StreamConn) LocalAddr() net.Addr {
	return c.endpoint.LocalAddress().TCPAddr()
}

func (c *StreamConn) RemoteAddr() net.Addr {
	return c.endpoint.RemoteAddress().TCPAddr()
}

func (c *StreamConn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "tcp", Source: c.LocalAddr(), Addr: c.RemoteAddr(), Err: err}
}
