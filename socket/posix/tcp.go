// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package posix

import (
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/peersock/socket"
)

// TCPEndpoint is a TCP endpoint on a kernel stream socket.
type TCPEndpoint struct {
	backend *Backend

	fdMu sync.RWMutex
	fd   int

	mu      sync.Mutex
	family  socket.Family
	state   socket.State
	local   socket.Address
	remote  socket.Address
	latched error
	closed  bool
}

func (e *TCPEndpoint) Open(family socket.Family) error {
	b := e.backend
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return b.opError("open", socket.Address{}, socket.ErrClosed, nil)
	}
	if e.fd >= 0 {
		return b.opError("open", socket.Address{}, socket.ErrAlreadyOpen, nil)
	}
	if !family.Valid() {
		return b.opError("open", socket.Address{}, socket.ErrInvalidAddress, nil)
	}
	fd, err := b.newSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return b.opError("open", socket.Address{}, openKind(err), err)
	}
	e.fd = fd
	e.family = family
	e.state = socket.StateOpen
	return nil
}

// fail latches a fatal error. The caller holds mu. A failure that
// lands after Close leaves the endpoint Closed.
func (e *TCPEndpoint) fail(op string, kind, cause error) error {
	if e.closed {
		return e.backend.opError(op, e.remote, socket.ErrClosed, nil)
	}
	e.latched = e.backend.opError(op, e.remote, kind, cause)
	e.state = socket.StateErrored
	return e.latched
}

func (e *TCPEndpoint) failLocked(op string, kind, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fail(op, kind, cause)
}

func (e *TCPEndpoint) Connect(address socket.Address, timeout time.Duration) error {
	b := e.backend
	e.fdMu.RLock()
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		e.fdMu.RUnlock()
		return b.opError("connect", address, socket.ErrClosed, nil)
	case e.state != socket.StateOpen:
		err := e.latched
		if err == nil {
			err = b.opError("connect", address, socket.ErrInvalidState, nil)
		}
		e.mu.Unlock()
		e.fdMu.RUnlock()
		return err
	case !address.IsValid() || address.Family() != e.family || address.Port() == 0 || address.IsMulticast():
		e.mu.Unlock()
		e.fdMu.RUnlock()
		return b.opError("connect", address, socket.ErrInvalidAddress, nil)
	}
	e.remote = address
	e.state = socket.StateConnecting
	deadline := b.options.Deadline(timeout)
	e.mu.Unlock()

	b.logger.Info("Connecting to server", "address", address, "deadline", deadline)
	err := unix.Connect(e.fd, toSockaddr(address))
	e.fdMu.RUnlock()
	switch {
	case err == nil:
		return e.connected()
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EALREADY):
	default:
		return e.failLocked("connect", connectKind(err), err)
	}

	for {
		remaining := deadline.Sub(b.options.Clock.Now())
		if remaining <= 0 {
			b.logger.Warn("connect timed out", "address", address)
			return e.failLocked("connect", socket.ErrTimeout, nil)
		}
		wait := min(remaining, b.options.PollInterval)

		ready, err := e.pollWritable(wait)
		if err != nil {
			return err
		}
		if ready {
			return e.connected()
		}
	}
}

// pollWritable waits up to wait for the connecting descriptor to turn
// writable. It holds the read lock only for the one slice, so Close
// can get in between slices.
func (e *TCPEndpoint) pollWritable(wait time.Duration) (bool, error) {
	e.fdMu.RLock()
	defer e.fdMu.RUnlock()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return false, e.backend.opError("connect", e.remote, socket.ErrClosed, nil)
	}

	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, max(1, int(wait/time.Millisecond)))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, e.failLocked("connect", socket.ErrConnect, err)
	}
	if n == 0 {
		return false, nil
	}
	soerr, err := unix.GetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, e.failLocked("connect", socket.ErrConnect, err)
	}
	if soerr != 0 {
		errno := unix.Errno(soerr)
		return false, e.failLocked("connect", connectKind(errno), errno)
	}
	return true, nil
}

func (e *TCPEndpoint) connected() error {
	e.fdMu.RLock()
	defer e.fdMu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.backend.opError("connect", e.remote, socket.ErrClosed, nil)
	}
	local, err := localAddress(e.fd)
	if err != nil {
		e.backend.logger.Warn("getsockname after connect failed", "remote", e.remote, "error", err)
	}
	e.local = local
	e.state = socket.StateConnected
	e.backend.logger.Info("connected", "local", e.local, "remote", e.remote)
	return nil
}

// active reports why the endpoint cannot move data, if it cannot. The
// caller holds fdMu for reading.
func (e *TCPEndpoint) active(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return e.backend.opError(op, e.remote, socket.ErrClosed, nil)
	case e.latched != nil:
		return e.latched
	case e.state != socket.StateConnected:
		return e.backend.opError(op, e.remote, socket.ErrNotConnected, nil)
	}
	return nil
}

func (e *TCPEndpoint) Send(payload []byte) (int, error) {
	e.fdMu.RLock()
	defer e.fdMu.RUnlock()

	if err := e.active("send"); err != nil {
		return 0, err
	}
	if len(payload) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(e.fd, payload)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case isBackpressure(err):
			return 0, nil
		default:
			return 0, e.failLocked("send", socket.ErrPeer, err)
		}
	}
}

func (e *TCPEndpoint) Recv(buf []byte) (int, error) {
	e.fdMu.RLock()
	defer e.fdMu.RUnlock()

	if err := e.active("recv"); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(e.fd, buf)
		switch {
		case err == nil && n > 0:
			return n, nil
		case err == nil:
			return 0, e.failLocked("recv", socket.ErrPeer, io.EOF)
		case errors.Is(err, unix.EINTR):
			continue
		case isBackpressure(err):
			return 0, nil
		default:
			return 0, e.failLocked("recv", socket.ErrPeer, err)
		}
	}
}

func (e *TCPEndpoint) State() socket.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *TCPEndpoint) LocalAddress() socket.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *TCPEndpoint) RemoteAddress() socket.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// Close waits for any in-flight syscall, including one connect poll
// slice, and then closes the descriptor.
func (e *TCPEndpoint) Close() error {
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.state = socket.StateClosed
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	if err != nil {
		return e.backend.opError("close", e.remote, socket.ErrInvalidState, err)
	}
	e.backend.logger.Debug("tcp endpoint closed", "remote", e.remote)
	return nil
}
