// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/bureau-foundation/peersock/lib/codec"
)

// maxTunnelFrame bounds one encoded frame on the tunnel socket.
const maxTunnelFrame = 65535

// PacketLink tunnels frames between stacks on different hosts. Each
// frame is CBOR-encoded into one datagram on a host net.PacketConn and
// sent to the host address routed for the frame's destination.
// Multicast frames go to every route.
type PacketLink struct {
	conn   net.PacketConn
	routes map[netip.Addr]net.Addr
	logger *slog.Logger
}

// NewPacketLink returns a link over conn. routes maps virtual stack
// addresses to the host addresses of the peers owning them.
func NewPacketLink(conn net.PacketConn, routes map[netip.Addr]net.Addr, logger *slog.Logger) *PacketLink {
	if logger == nil {
		logger = slog.Default()
	}
	unmapped := make(map[netip.Addr]net.Addr, len(routes))
	for virtual, host := range routes {
		unmapped[virtual.Unmap()] = host
	}
	return &PacketLink{conn: conn, routes: unmapped, logger: logger}
}

// Transmit implements Link. A destination with no route is dropped
// silently, as an unreachable host would be.
func (l *PacketLink) Transmit(frame Frame) error {
	data, err := codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(data) > maxTunnelFrame {
		return fmt.Errorf("encoded frame of %d bytes exceeds tunnel limit", len(data))
	}

	dst := frame.Dst.Addr().Unmap()
	if dst.IsMulticast() {
		var errs []error
		for _, virtual := range slices.SortedFunc(maps.Keys(l.routes), netip.Addr.Compare) {
			if _, err := l.conn.WriteTo(data, l.routes[virtual]); err != nil {
				errs = append(errs, fmt.Errorf("to %v: %w", virtual, err))
			}
		}
		return errors.Join(errs...)
	}

	host, ok := l.routes[dst]
	if !ok {
		l.logger.Debug("no route for frame", "dst", frame.Dst.String())
		return nil
	}
	if _, err := l.conn.WriteTo(data, host); err != nil {
		return fmt.Errorf("writing frame to %v: %w", host, err)
	}
	return nil
}

// Serve reads frames from the tunnel socket into stack until ctx is
// done or the socket is closed. Undecodable datagrams are logged and
// skipped.
func (l *PacketLink) Serve(ctx context.Context, stack *Stack) error {
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buffer := make([]byte, maxTunnelFrame)
	for {
		n, from, err := l.conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading tunnel socket: %w", err)
		}

		var frame Frame
		if err := codec.Unmarshal(buffer[:n], &frame); err != nil {
			diagnostic, _ := codec.Diagnose(buffer[:n])
			l.logger.Warn("discarding undecodable tunnel datagram",
				"from", from.String(), "error", err, "cbor", diagnostic)
			continue
		}
		if !stack.Input(frame) {
			l.logger.Debug("stack inbox full, frame dropped", "frame", frame)
		}
	}
}
