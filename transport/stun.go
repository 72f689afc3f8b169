// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pion/stun/v3"

	"github.com/bureau-foundation/peersock/lib/clock"
	"github.com/bureau-foundation/peersock/socket"
)

const (
	defaultSTUNTimeout    = 5 * time.Second
	defaultSTUNRetransmit = 500 * time.Millisecond

	// stunBufferSize fits any response a binding request can provoke.
	stunBufferSize = 1500
)

// ErrSTUNTimeout means no matching binding response arrived in time.
var ErrSTUNTimeout = errors.New("stun: no binding response")

// STUNProbe discovers the address a UDP endpoint is mapped to on the
// far side of any NAT, by sending RFC 5389 binding requests through it.
type STUNProbe struct {
	// Server is the STUN server as "host:port". Required.
	Server string

	// Timeout bounds the whole probe; Retransmit is the wait between
	// requests. Defaults 5s and 500ms.
	Timeout    time.Duration
	Retransmit time.Duration

	// Clock must be the clock conn measures its deadlines on. Nil
	// uses the wall clock.
	Clock clock.Clock

	// Resolver looks up Server. Nil uses net.DefaultResolver.
	Resolver *net.Resolver

	Logger *slog.Logger
}

// Probe sends binding requests over conn until a response with the
// request's transaction ID arrives, and returns its (XOR-)mapped
// address. Datagrams that are not that response are discarded. conn's
// read deadline is cleared on return.
func (p *STUNProbe) Probe(ctx context.Context, conn net.PacketConn) (socket.Address, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultSTUNTimeout
	}
	retransmit := p.Retransmit
	if retransmit <= 0 {
		retransmit = defaultSTUNRetransmit
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server, err := p.resolve(ctx, conn.LocalAddr())
	if err != nil {
		return socket.Address{}, fmt.Errorf("resolving STUN server %s: %w", p.Server, err)
	}
	logger = logger.With("server", server.String())

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return socket.Address{}, fmt.Errorf("building binding request: %w", err)
	}

	deadline := clk.Now().Add(timeout)
	defer conn.SetReadDeadline(time.Time{})

	buffer := make([]byte, stunBufferSize)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return socket.Address{}, err
		}
		now := clk.Now()
		if !now.Before(deadline) {
			return socket.Address{}, fmt.Errorf("%w from %s after %d requests", ErrSTUNTimeout, server, attempt-1)
		}

		logger.Debug("sending STUN binding request", "attempt", attempt)
		if _, err := conn.WriteTo(request.Raw, server); err != nil {
			return socket.Address{}, fmt.Errorf("sending binding request: %w", err)
		}
		wait := now.Add(retransmit)
		if wait.After(deadline) {
			wait = deadline
		}
		if err := conn.SetReadDeadline(wait); err != nil {
			return socket.Address{}, err
		}

		for {
			n, _, err := conn.ReadFrom(buffer)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			if err != nil {
				return socket.Address{}, fmt.Errorf("reading binding response: %w", err)
			}
			mapped, ok, err := parseBindingResponse(buffer[:n], request.TransactionID)
			if err != nil {
				return socket.Address{}, err
			}
			if ok {
				logger.Info("STUN mapped address", "mapped", mapped, "attempts", attempt)
				return mapped, nil
			}
		}
	}
}

// parseBindingResponse decodes raw and reports whether it answers the
// request with transactionID. A matching error response is an error.
func parseBindingResponse(raw []byte, transactionID [stun.TransactionIDSize]byte) (socket.Address, bool, error) {
	if !stun.IsMessage(raw) {
		return socket.Address{}, false, nil
	}
	response := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := response.Decode(); err != nil {
		return socket.Address{}, false, nil
	}
	if response.TransactionID != transactionID {
		return socket.Address{}, false, nil
	}

	if response.Type != stun.BindingSuccess {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(response); err == nil {
			return socket.Address{}, false, fmt.Errorf("stun: binding failed: %s", code)
		}
		return socket.Address{}, false, fmt.Errorf("stun: unexpected response %s", response.Type)
	}

	var xorAddress stun.XORMappedAddress
	if err := xorAddress.GetFrom(response); err == nil {
		return mappedAddress(xorAddress.IP, xorAddress.Port)
	}
	var plainAddress stun.MappedAddress
	if err := plainAddress.GetFrom(response); err == nil {
		return mappedAddress(plainAddress.IP, plainAddress.Port)
	}
	return socket.Address{}, false, errors.New("stun: binding response has no mapped address")
}

func mappedAddress(ip net.IP, port int) (socket.Address, bool, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return socket.Address{}, false, fmt.Errorf("stun: malformed mapped address %v", ip)
	}
	address, err := socket.AddressFromAddrPort(netip.AddrPortFrom(addr, uint16(port)))
	if err != nil {
		return socket.Address{}, false, err
	}
	return address, true, nil
}

// resolve looks up Server in the family local is bound to.
func (p *STUNProbe) resolve(ctx context.Context, local net.Addr) (*net.UDPAddr, error) {
	if addrPort, err := netip.ParseAddrPort(p.Server); err == nil {
		return net.UDPAddrFromAddrPort(addrPort), nil
	}

	network := "ip4"
	if udpAddress, ok := local.(*net.UDPAddr); ok && udpAddress.IP != nil && udpAddress.IP.To4() == nil {
		network = "ip6"
	}

	host, portText, err := net.SplitHostPort(p.Server)
	if err != nil {
		return nil, err
	}
	port, err := net.LookupPort("udp", portText)
	if err != nil {
		return nil, err
	}
	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addresses, err := resolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(addresses[0].Unmap(), uint16(port))), nil
}
