// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package posix

import (
	"errors"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/peersock/socket"
)

// UDPEndpoint is a UDP endpoint on a kernel datagram socket.
type UDPEndpoint struct {
	backend *Backend

	// fdMu is held for reading around syscalls on fd and for writing
	// while fd is created or closed.
	fdMu sync.RWMutex
	fd   int

	mu     sync.Mutex
	family socket.Family
	local  socket.Address
	groups []socket.Address
	closed bool
}

func (e *UDPEndpoint) Open(family socket.Family, port uint16) (uint16, error) {
	b := e.backend
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, b.opError("open", socket.Address{}, socket.ErrClosed, nil)
	}
	if e.fd >= 0 {
		return 0, b.opError("open", e.local, socket.ErrAlreadyOpen, nil)
	}
	if !family.Valid() {
		return 0, b.opError("open", socket.Address{}, socket.ErrInvalidAddress, nil)
	}

	bindAddress := socket.Unspecified(family, port)
	fd, err := b.newSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return 0, b.opError("open", bindAddress, openKind(err), err)
	}
	if err := unix.Bind(fd, toSockaddr(bindAddress)); err != nil {
		unix.Close(fd)
		return 0, b.opError("open", bindAddress, socket.ErrBind, err)
	}
	local, err := localAddress(fd)
	if err != nil {
		unix.Close(fd)
		return 0, b.opError("open", bindAddress, socket.ErrBind, err)
	}
	receiveBuffer := b.options.QueueCapacity * b.options.MaxDatagramSize
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBuffer); err != nil {
		b.logger.Warn("setting SO_RCVBUF failed", "local", local, "bytes", receiveBuffer, "error", err)
	}

	e.fd = fd
	e.family = family
	e.local = local
	b.logger.Debug("udp endpoint open", "local", local)
	return local.Port(), nil
}

// check reports why the endpoint cannot run op. The caller holds
// fdMu.
func (e *UDPEndpoint) check(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.backend.opError(op, e.local, socket.ErrClosed, nil)
	}
	if e.fd < 0 {
		return e.backend.opError(op, socket.Address{}, socket.ErrInvalidState, nil)
	}
	return nil
}

func (e *UDPEndpoint) SendTo(address socket.Address, payload []byte) (int, error) {
	b := e.backend
	e.fdMu.RLock()
	defer e.fdMu.RUnlock()

	if err := e.check("sendto"); err != nil {
		return 0, err
	}
	if !address.IsValid() || address.Family() != e.family || address.Port() == 0 {
		return 0, b.opError("sendto", address, socket.ErrInvalidAddress, nil)
	}
	if len(payload) > b.options.MaxDatagramSize {
		return 0, b.opError("sendto", address, socket.ErrDatagramTooLarge, nil)
	}
	if err := unix.Sendto(e.fd, payload, 0, toSockaddr(address)); err != nil {
		if isBackpressure(err) {
			return 0, nil
		}
		return 0, b.opError("sendto", address, datagramKind(err), err)
	}
	return len(payload), nil
}

func (e *UDPEndpoint) RecvFrom(buf []byte) (int, socket.Address, error) {
	b := e.backend
	e.fdMu.RLock()
	defer e.fdMu.RUnlock()

	if err := e.check("recvfrom"); err != nil {
		return 0, socket.Address{}, err
	}
	if len(buf) == 0 {
		return 0, socket.Address{}, nil
	}
	if len(buf) > b.options.MaxDatagramSize {
		buf = buf[:b.options.MaxDatagramSize]
	}
	for {
		n, from, err := unix.Recvfrom(e.fd, buf, 0)
		switch {
		case err == nil:
			source, err := fromSockaddr(from)
			if err != nil {
				return 0, socket.Address{}, b.opError("recvfrom", socket.Address{}, socket.ErrInvalidAddress, err)
			}
			return n, source, nil
		case errors.Is(err, unix.EINTR):
			continue
		case isBackpressure(err):
			return 0, socket.Address{}, nil
		case errors.Is(err, unix.ECONNREFUSED):
			// An ICMP port unreachable for an earlier send. Nothing
			// was received.
			return 0, socket.Address{}, nil
		default:
			return 0, socket.Address{}, b.opError("recvfrom", e.local, socket.ErrPeer, err)
		}
	}
}

func (e *UDPEndpoint) JoinMulticastGroup(group socket.Address) error {
	b := e.backend
	e.fdMu.RLock()
	defer e.fdMu.RUnlock()

	if err := e.check("join"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !group.IsMulticast() || group.Family() != e.family {
		return b.opError("join", group, socket.ErrInvalidAddress, nil)
	}
	if slices.ContainsFunc(e.groups, func(joined socket.Address) bool { return joined.Addr() == group.Addr() }) {
		return nil
	}

	var err error
	if e.family == socket.FamilyIPv6 {
		err = unix.SetsockoptIPv6Mreq(e.fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP,
			&unix.IPv6Mreq{Multiaddr: group.Addr().As16()})
	} else {
		err = unix.SetsockoptIPMreq(e.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP,
			&unix.IPMreq{Multiaddr: group.Addr().As4()})
	}
	if err != nil {
		return b.opError("join", group, socket.ErrInvalidAddress, err)
	}
	e.groups = append(e.groups, group)
	return nil
}

func (e *UDPEndpoint) LocalAddress() socket.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return socket.Address{}
	}
	return e.local
}

// Close releases the descriptor. The kernel drops its group
// memberships with it.
func (e *UDPEndpoint) Close() error {
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.groups = nil
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	if err != nil {
		return e.backend.opError("close", e.local, socket.ErrInvalidState, err)
	}
	e.backend.logger.Debug("udp endpoint closed", "local", e.local)
	return nil
}
