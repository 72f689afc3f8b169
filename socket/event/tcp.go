// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"io"
	"time"

	"github.com/bureau-foundation/peersock/lib/rawstack"
	"github.com/bureau-foundation/peersock/socket"
)

// tcpBlock is the state the stack's callbacks write into. pcb is set
// to nil by the error callback once the stack has freed the PCB.
type tcpBlock struct {
	pcb          *rawstack.TCPPCB
	buffer       *socket.StreamBuffer
	connected    bool
	remoteClosed bool
	failure      error
}

func (block *tcpBlock) reset() {
	block.pcb = nil
	block.buffer.Reset()
	block.connected = false
	block.remoteClosed = false
	block.failure = nil
}

// TCPEndpoint is a TCP endpoint on the event backend. Its fields are
// guarded by the stack lock.
type TCPEndpoint struct {
	backend *Backend
	handle  handle
	family  socket.Family
	state   socket.State
	local   socket.Address
	remote  socket.Address
	latched error
	closed  bool
}

func (e *TCPEndpoint) Open(family socket.Family) error {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	if e.closed {
		return b.opError("open", socket.Address{}, socket.ErrClosed, nil)
	}
	if e.handle.valid() {
		return b.opError("open", socket.Address{}, socket.ErrAlreadyOpen, nil)
	}
	if !family.Valid() {
		return b.opError("open", socket.Address{}, socket.ErrInvalidAddress, nil)
	}

	h, block, ok := b.tcp.acquire()
	if !ok {
		return b.opError("open", socket.Address{}, socket.ErrAllocation, nil)
	}
	pcb, err := b.stack.NewTCP(ipType(family))
	if err != nil {
		b.tcp.release(h)
		return b.opError("open", socket.Address{}, socket.ErrAllocation, err)
	}
	block.reset()
	block.pcb = pcb
	pcb.SetRecv(func(pcb *rawstack.TCPPCB, data []byte) int {
		if data == nil {
			block.remoteClosed = true
			return 0
		}
		n := block.buffer.Append(data)
		if n > 0 {
			pcb.Recved(n)
		}
		return n
	})
	pcb.SetError(func(err error) {
		block.pcb = nil
		block.failure = err
	})

	e.handle = h
	e.family = family
	e.state = socket.StateOpen
	return nil
}

// fail latches a fatal error and moves the endpoint to StateErrored.
func (e *TCPEndpoint) fail(op string, kind, cause error) error {
	e.latched = e.backend.opError(op, e.remote, kind, cause)
	e.state = socket.StateErrored
	return e.latched
}

// Connect blocks the caller, not the stack: it releases the lock
// between polls so other endpoints keep running.
func (e *TCPEndpoint) Connect(address socket.Address, timeout time.Duration) error {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	if e.closed {
		return b.opError("connect", address, socket.ErrClosed, nil)
	}
	if e.state != socket.StateOpen {
		if e.latched != nil {
			return e.latched
		}
		return b.opError("connect", address, socket.ErrInvalidState, nil)
	}
	if !address.IsValid() || address.Family() != e.family || address.Port() == 0 || address.IsMulticast() {
		return b.opError("connect", address, socket.ErrInvalidAddress, nil)
	}

	e.remote = address
	block, ok := b.tcp.get(e.handle)
	if !ok {
		return e.fail("connect", socket.ErrConnect, nil)
	}
	if block.pcb == nil {
		return e.fail("connect", socket.ErrConnect, block.failure)
	}
	deadline := b.options.Deadline(timeout)
	if err := block.pcb.Connect(address.AddrPort(), func(*rawstack.TCPPCB) {
		block.connected = true
	}); err != nil {
		return e.fail("connect", socket.ErrConnect, err)
	}
	e.state = socket.StateConnecting
	b.logger.Info("Connecting to server", "address", address, "deadline", deadline)

	for {
		b.stack.Poll()
		switch {
		case block.failure != nil:
			return e.fail("connect", socket.ErrConnect, block.failure)
		case block.connected:
			e.state = socket.StateConnected
			if local, err := socket.AddressFromAddrPort(block.pcb.LocalAddr()); err == nil {
				e.local = local
			}
			b.logger.Info("connected", "local", e.local, "remote", address)
			return nil
		case !b.options.Clock.Now().Before(deadline):
			if block.pcb != nil {
				block.pcb.SetError(nil)
				block.pcb.SetRecv(nil)
				block.pcb.Abort()
				block.pcb = nil
			}
			b.logger.Warn("connect timed out", "address", address)
			return e.fail("connect", socket.ErrTimeout, nil)
		}

		b.stack.Unlock()
		b.options.Clock.Sleep(b.options.PollInterval)
		b.stack.Lock()

		if e.closed {
			return b.opError("connect", address, socket.ErrClosed, nil)
		}
	}
}

// active resolves the block of a connected endpoint after a poll. It
// latches stack failures, so the returned error is sticky.
func (e *TCPEndpoint) active(op string) (*tcpBlock, error) {
	b := e.backend
	if e.closed {
		return nil, b.opError(op, e.remote, socket.ErrClosed, nil)
	}
	if e.latched != nil {
		return nil, e.latched
	}
	if e.state != socket.StateConnected {
		return nil, b.opError(op, e.remote, socket.ErrNotConnected, nil)
	}
	block, ok := b.tcp.get(e.handle)
	if !ok {
		return nil, e.fail(op, socket.ErrPeer, nil)
	}
	b.stack.Poll()
	if block.failure != nil {
		return nil, e.fail(op, socket.ErrPeer, block.failure)
	}
	if block.pcb == nil {
		return nil, e.fail(op, socket.ErrPeer, nil)
	}
	return block, nil
}

func (e *TCPEndpoint) Send(payload []byte) (int, error) {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	block, err := e.active("send")
	if err != nil {
		return 0, err
	}
	n := min(len(payload), block.pcb.SndBuf())
	if n == 0 {
		return 0, nil
	}
	if err := block.pcb.Write(payload[:n]); err != nil {
		if errors.Is(err, rawstack.ErrMem) {
			return 0, nil
		}
		return 0, e.fail("send", socket.ErrPeer, err)
	}
	if err := block.pcb.Output(); err != nil {
		return 0, e.fail("send", socket.ErrPeer, err)
	}
	return n, nil
}

// Recv returns buffered bytes before reporting an orderly close, so a
// peer's last data is never lost behind its FIN. A reset is reported
// at once.
func (e *TCPEndpoint) Recv(buf []byte) (int, error) {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	block, err := e.active("recv")
	if err != nil {
		return 0, err
	}
	if n := block.buffer.Read(buf); n > 0 {
		return n, nil
	}
	if block.remoteClosed && len(buf) > 0 {
		return 0, e.fail("recv", socket.ErrPeer, io.EOF)
	}
	return 0, nil
}

func (e *TCPEndpoint) State() socket.State {
	e.backend.stack.Lock()
	defer e.backend.stack.Unlock()
	return e.state
}

func (e *TCPEndpoint) LocalAddress() socket.Address {
	e.backend.stack.Lock()
	defer e.backend.stack.Unlock()
	return e.local
}

func (e *TCPEndpoint) RemoteAddress() socket.Address {
	e.backend.stack.Lock()
	defer e.backend.stack.Unlock()
	return e.remote
}

func (e *TCPEndpoint) Close() error {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.state = socket.StateClosed
	block, ok := b.tcp.get(e.handle)
	if !ok {
		return nil
	}
	if pcb := block.pcb; pcb != nil {
		pcb.SetRecv(nil)
		pcb.SetError(nil)
		if err := pcb.Close(); err != nil {
			b.logger.Warn("tcp close failed, aborting", "remote", e.remote, "error", err)
			pcb.Abort()
		}
	}
	block.reset()
	b.tcp.release(e.handle)
	b.logger.Debug("tcp endpoint closed", "remote", e.remote)
	return nil
}
