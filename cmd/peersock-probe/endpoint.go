// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peersock/socket"
	"github.com/bureau-foundation/peersock/socket/sockconn"
	"github.com/bureau-foundation/peersock/transport"
)

// openPacketConn opens a UDP endpoint on the backend and wraps it as a
// net.PacketConn.
func (env *environment) openPacketConn(family socket.Family, port uint16) (*sockconn.PacketConn, error) {
	endpoint := env.backend.NewUDP()
	bound, err := endpoint.Open(family, port)
	if err != nil {
		return nil, fmt.Errorf("opening UDP endpoint: %w", err)
	}
	env.logger.Debug("UDP endpoint open", "family", family, "port", bound)
	return sockconn.NewPacketConn(endpoint, env.options), nil
}

func familyFlag(ipv6 bool) socket.Family {
	if ipv6 {
		return socket.FamilyIPv6
	}
	return socket.FamilyIPv4
}

func runSTUN(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("stun", pflag.ContinueOnError)
	server := flagSet.String("server", env.config.STUN.Server, "STUN server host:port")
	port := flagSet.Uint16("port", 0, "local port to bind (0 picks one)")
	ipv6 := flagSet.Bool("ipv6", false, "probe over IPv6")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	timeout, retransmit, err := env.config.STUNTimeouts()
	if err != nil {
		return err
	}
	conn, err := env.openPacketConn(familyFlag(*ipv6), *port)
	if err != nil {
		return err
	}
	defer conn.Close()

	probe := &transport.STUNProbe{
		Server:     *server,
		Timeout:    timeout,
		Retransmit: retransmit,
		Clock:      env.options.Clock,
		Logger:     env.logger,
	}
	mapped, err := probe.Probe(ctx, conn)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "local   %s\nmapped  %s\n", conn.LocalAddr(), mapped.AddrPort())
	return nil
}

func runUDPEcho(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("udp-echo", pflag.ContinueOnError)
	count := flagSet.Int("count", 1, "datagrams to send")
	timeout := flagSet.Duration("timeout", 2*time.Second, "wait for each reply")
	message := flagSet.String("message", "peersock", "datagram payload")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: udp-echo [flags] <host:port>")
	}

	target, err := socket.ParseAddress(flagSet.Arg(0))
	if err != nil {
		return err
	}
	conn, err := env.openPacketConn(target.Family(), 0)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buffer := make([]byte, env.options.MaxDatagramSize)
	var lost int
	for sequence := range *count {
		payload := fmt.Sprintf("%s %d", *message, sequence)
		started := env.options.Clock.Now()
		if _, err := conn.WriteTo([]byte(payload), target.UDPAddr()); err != nil {
			return err
		}
		conn.SetReadDeadline(started.Add(*timeout))
		n, from, err := conn.ReadFrom(buffer)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			fmt.Fprintf(env.stdout, "%d: no reply within %s\n", sequence, *timeout)
			lost++
			continue
		}
		if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		rtt := env.options.Clock.Now().Sub(started)
		fmt.Fprintf(env.stdout, "%d: %d bytes from %s in %s: %q\n", sequence, n, from, rtt.Round(time.Microsecond), buffer[:n])
	}
	if stats := conn.Stats(); stats.Dropped > 0 {
		env.logger.Warn("receive queue overflowed", "dropped", stats.Dropped)
	}
	if lost == *count && lost > 0 {
		return fmt.Errorf("no replies from %s", target)
	}
	return nil
}
