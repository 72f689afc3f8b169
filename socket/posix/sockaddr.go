// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package posix

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/peersock/socket"
)

func domain(family socket.Family) int {
	if family == socket.FamilyIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func toSockaddr(address socket.Address) unix.Sockaddr {
	ap := address.AddrPort()
	if address.Family() == socket.FamilyIPv6 {
		return &unix.SockaddrInet6{Addr: ap.Addr().As16(), Port: int(ap.Port())}
	}
	return &unix.SockaddrInet4{Addr: ap.Addr().As4(), Port: int(ap.Port())}
}

func fromSockaddr(sa unix.Sockaddr) (socket.Address, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return socket.AddressFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrInet6:
		return socket.AddressFromAddrPort(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)))
	default:
		return socket.Address{}, fmt.Errorf("%w: unsupported sockaddr %T", socket.ErrInvalidAddress, sa)
	}
}

// newSocket creates a non-blocking, close-on-exec descriptor with
// SO_REUSEADDR set. A failure to set SO_REUSEADDR is only logged.
func (b *Backend) newSocket(family socket.Family, kind int) (int, error) {
	fd, err := unix.Socket(domain(family), kind, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		b.logger.Warn("setting SO_REUSEADDR failed", "fd", fd, "error", err)
	}
	if family == socket.FamilyIPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			b.logger.Warn("setting IPV6_V6ONLY failed", "fd", fd, "error", err)
		}
	}
	return fd, nil
}

func localAddress(fd int) (socket.Address, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return socket.Address{}, err
	}
	return fromSockaddr(sa)
}
