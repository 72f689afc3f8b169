// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build peersock_event

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/peersock/lib/config"
	"github.com/bureau-foundation/peersock/lib/rawstack"
	"github.com/bureau-foundation/peersock/lib/version"
	"github.com/bureau-foundation/peersock/socket"
	"github.com/bureau-foundation/peersock/socket/event"
)

func init() { version.Backend = event.Name }

// Default builds a raw stack on cfg's event section, tunnels its frames
// over a UDP socket bound to event.listen, and returns an event backend
// driving it. The stack is pumped in the background every poll
// interval so connections nobody is reading still progress. Stop ends
// the pump and closes the tunnel socket.
func Default(ctx context.Context, cfg *config.Config, logger *slog.Logger) (socket.Backend, Stop, error) {
	options, err := options(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	options = options.WithDefaults()

	address, err := netip.ParseAddr(cfg.Event.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("event.address: %w", err)
	}
	routes := make(map[netip.Addr]net.Addr, len(cfg.Event.Routes))
	for virtual, host := range cfg.Event.Routes {
		virtualAddr, err := netip.ParseAddr(virtual)
		if err != nil {
			return nil, nil, fmt.Errorf("event.routes key %q: %w", virtual, err)
		}
		hostAddr, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			return nil, nil, fmt.Errorf("event.routes[%s]: %w", virtual, err)
		}
		routes[virtualAddr] = hostAddr
	}

	conn, err := net.ListenPacket("udp", cfg.Event.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("binding tunnel socket: %w", err)
	}
	link := rawstack.NewPacketLink(conn, routes, logger.With("component", "tunnel"))
	stack, err := rawstack.New(rawstack.Config{
		Addresses:     []netip.Addr{address},
		Link:          link,
		UDPPCBs:       options.UDPBlocks,
		TCPPCBs:       options.TCPBlocks,
		Buffers:       cfg.Event.Buffers,
		BufferSize:    cfg.Event.BufferSize,
		ReceiveWindow: cfg.Event.ReceiveWindow,
		Logger:        logger.With("component", "rawstack"),
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	backend, err := event.New(stack, options)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	// A failed tunnel cancels the pump as well; the backend cannot
	// reach anything without it.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := link.Serve(groupCtx, stack)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tunnel stopped", "error", err)
			return err
		}
		return nil
	})
	group.Go(func() error {
		stack.Run(groupCtx, options.Clock, options.PollInterval)
		return nil
	})

	logger.Info("event backend ready",
		"address", address, "tunnel", conn.LocalAddr().String(), "routes", len(routes))
	var once sync.Once
	stop := func() error {
		var err error
		once.Do(func() {
			cancel()
			err = errors.Join(conn.Close(), group.Wait())
		})
		return err
	}
	return backend, stop, nil
}
