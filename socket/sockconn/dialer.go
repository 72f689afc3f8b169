// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/bureau-foundation/peersock/socket"
)

// Dialer opens TCP endpoints from a Backend and wraps them as
// StreamConns.
type Dialer struct {
	Backend socket.Backend

	// Options supplies the clock, poll interval, and default connect
	// timeout. It should match the options the backend was built with.
	Options socket.Options

	// Timeout bounds each connect. Zero uses Options.ConnectTimeout. A
	// context deadline that is sooner wins.
	Timeout time.Duration

	// Resolver looks up host names. Nil uses net.DefaultResolver.
	Resolver *net.Resolver
}

// DialContext connects to address ("host:port") over TCP, choosing
// IPv4 or IPv6 from the resolved host.
func (d *Dialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	conn, err := d.Dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Dial connects to address on network "tcp", "tcp4", or "tcp6".
// Cancelling ctx closes the endpoint, which interrupts the connect.
func (d *Dialer) Dial(ctx context.Context, network, address string) (*StreamConn, error) {
	options := d.Options.WithDefaults()

	remote, err := d.resolve(ctx, network, address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = options.ConnectTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
		if timeout <= 0 {
			return nil, &net.OpError{Op: "dial", Net: network, Addr: remote.TCPAddr(), Err: context.DeadlineExceeded}
		}
	}

	endpoint := d.Backend.NewTCP()
	if err := endpoint.Open(remote.Family()); err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Addr: remote.TCPAddr(), Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- endpoint.Connect(remote, timeout) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		endpoint.Close()
		<-done
		return nil, &net.OpError{Op: "dial", Net: network, Addr: remote.TCPAddr(), Err: ctx.Err()}
	}
	if err != nil {
		endpoint.Close()
		return nil, &net.OpError{Op: "dial", Net: network, Addr: remote.TCPAddr(), Err: err}
	}

	options.Logger.Debug("stream connected",
		"backend", d.Backend.Name(),
		"local", endpoint.LocalAddress(),
		"remote", remote,
	)
	return NewStreamConn(endpoint, options), nil
}

func (d *Dialer) resolve(ctx context.Context, network, address string) (socket.Address, error) {
	var lookup string
	switch network {
	case "tcp":
		lookup = "ip"
	case "tcp4":
		lookup = "ip4"
	case "tcp6":
		lookup = "ip6"
	default:
		return socket.Address{}, net.UnknownNetworkError(network)
	}

	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return socket.Address{}, err
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return socket.Address{}, fmt.Errorf("invalid port %q: %w", portText, err)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		resolver := d.Resolver
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		addresses, err := resolver.LookupNetIP(ctx, lookup, host)
		if err != nil {
			return socket.Address{}, err
		}
		if len(addresses) == 0 {
			return socket.Address{}, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
		ip = addresses[0]
	}
	ip = ip.Unmap()
	if (lookup == "ip4" && !ip.Is4()) || (lookup == "ip6" && !ip.Is6()) {
		return socket.Address{}, &net.AddrError{Err: "address family mismatch", Addr: host}
	}

	return socket.AddressFromAddrPort(netip.AddrPortFrom(ip, uint16(port)))
}
