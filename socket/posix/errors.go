// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package posix

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/peersock/lib/netutil"
	"github.com/bureau-foundation/peersock/socket"
)

// isBackpressure reports whether a send or receive error only means
// the kernel buffer is full or empty right now.
func isBackpressure(err error) bool {
	return netutil.IsWouldBlock(err) || errors.Is(err, unix.ENOBUFS)
}

// datagramKind classifies a sendto failure.
func datagramKind(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return socket.ErrTransmit
	}
	switch errno {
	case unix.EMSGSIZE:
		return socket.ErrDatagramTooLarge
	case unix.ENETUNREACH, unix.EHOSTUNREACH, unix.EADDRNOTAVAIL, unix.EAFNOSUPPORT, unix.EINVAL:
		return socket.ErrInvalidAddress
	default:
		return socket.ErrTransmit
	}
}

// openKind classifies a socket, bind or getsockname failure.
func openKind(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return socket.ErrBind
	}
	switch errno {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return socket.ErrAllocation
	case unix.EAFNOSUPPORT, unix.EPROTONOSUPPORT:
		return socket.ErrInvalidAddress
	default:
		return socket.ErrBind
	}
}

// connectKind classifies a connect failure. Kernel timeouts count as
// timeouts; everything else, refusal and unreachable networks
// included, is a connect failure.
func connectKind(err error) error {
	if errors.Is(err, unix.ETIMEDOUT) {
		return socket.ErrTimeout
	}
	return socket.ErrConnect
}
