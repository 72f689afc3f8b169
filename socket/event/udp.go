// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"net/netip"
	"slices"

	"github.com/bureau-foundation/peersock/lib/rawstack"
	"github.com/bureau-foundation/peersock/socket"
)

type udpBlock struct {
	pcb    *rawstack.UDPPCB
	queue  *socket.DatagramQueue
	groups []netip.Addr
}

// UDPEndpoint is a UDP endpoint on the event backend. Its fields are
// guarded by the stack lock.
type UDPEndpoint struct {
	backend *Backend
	handle  handle
	family  socket.Family
	local   socket.Address
	closed  bool
}

var _ socket.StatsReporter = (*UDPEndpoint)(nil)

func (e *UDPEndpoint) Open(family socket.Family, port uint16) (uint16, error) {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	if e.closed {
		return 0, b.opError("open", socket.Address{}, socket.ErrClosed, nil)
	}
	if e.handle.valid() {
		return 0, b.opError("open", e.local, socket.ErrAlreadyOpen, nil)
	}
	if !family.Valid() {
		return 0, b.opError("open", socket.Address{}, socket.ErrInvalidAddress, nil)
	}

	h, block, ok := b.udp.acquire()
	if !ok {
		return 0, b.opError("open", socket.Address{}, socket.ErrAllocation, nil)
	}
	pcb, err := b.stack.NewUDP(ipType(family))
	if err != nil {
		b.udp.release(h)
		return 0, b.opError("open", socket.Address{}, socket.ErrAllocation, err)
	}
	if err := pcb.Bind(port); err != nil {
		pcb.Remove()
		b.udp.release(h)
		return 0, b.opError("open", socket.Unspecified(family, port), socket.ErrBind, err)
	}

	block.pcb = pcb
	block.groups = block.groups[:0]
	block.queue.Reset()
	queue := block.queue
	pcb.SetRecv(func(_ *rawstack.UDPPCB, payload []byte, source netip.AddrPort) {
		address, err := socket.AddressFromAddrPort(source)
		if err != nil {
			return
		}
		queue.Push(payload, address)
	})

	e.handle = h
	e.family = family
	e.local = socket.Unspecified(family, pcb.LocalPort())
	b.logger.Debug("udp endpoint open", "local", e.local)
	return pcb.LocalPort(), nil
}

// block resolves the endpoint's arena block. The caller holds the
// stack lock.
func (e *UDPEndpoint) block(op string) (*udpBlock, error) {
	if e.closed {
		return nil, e.backend.opError(op, e.local, socket.ErrClosed, nil)
	}
	block, ok := e.backend.udp.get(e.handle)
	if !ok {
		return nil, e.backend.opError(op, socket.Address{}, socket.ErrInvalidState, nil)
	}
	return block, nil
}

func (e *UDPEndpoint) SendTo(address socket.Address, payload []byte) (int, error) {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	block, err := e.block("sendto")
	if err != nil {
		return 0, err
	}
	if !address.IsValid() || address.Family() != e.family || address.Port() == 0 {
		return 0, b.opError("sendto", address, socket.ErrInvalidAddress, nil)
	}
	if len(payload) > b.options.MaxDatagramSize {
		return 0, b.opError("sendto", address, socket.ErrDatagramTooLarge, nil)
	}

	b.stack.Poll()
	buffer, err := b.stack.AllocBuffer(len(payload))
	if err != nil {
		return 0, b.opError("sendto", address, socket.ErrAllocation, err)
	}
	defer buffer.Free()
	copy(buffer.Bytes(), payload)
	if err := block.pcb.SendTo(buffer, address.AddrPort()); err != nil {
		if errors.Is(err, rawstack.ErrRte) {
			return 0, b.opError("sendto", address, socket.ErrInvalidAddress, err)
		}
		return 0, b.opError("sendto", address, socket.ErrTransmit, err)
	}
	return len(payload), nil
}

func (e *UDPEndpoint) RecvFrom(buf []byte) (int, socket.Address, error) {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	block, err := e.block("recvfrom")
	if err != nil {
		return 0, socket.Address{}, err
	}
	b.stack.Poll()
	n, source, ok := block.queue.PopInto(buf)
	if !ok {
		return 0, socket.Address{}, nil
	}
	return n, source, nil
}

func (e *UDPEndpoint) JoinMulticastGroup(group socket.Address) error {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	block, err := e.block("join")
	if err != nil {
		return err
	}
	if !group.IsMulticast() || group.Family() != e.family {
		return b.opError("join", group, socket.ErrInvalidAddress, nil)
	}
	addr := group.Addr()
	if slices.Contains(block.groups, addr) {
		return nil
	}
	if err := b.stack.JoinGroup(addr); err != nil {
		return b.opError("join", group, socket.ErrInvalidAddress, err)
	}
	block.groups = append(block.groups, addr)
	return nil
}

func (e *UDPEndpoint) LocalAddress() socket.Address {
	e.backend.stack.Lock()
	defer e.backend.stack.Unlock()
	if e.closed {
		return socket.Address{}
	}
	return e.local
}

// Stats reports the receive queue.
func (e *UDPEndpoint) Stats() socket.Stats {
	e.backend.stack.Lock()
	defer e.backend.stack.Unlock()
	block, ok := e.backend.udp.get(e.handle)
	if !ok {
		return socket.Stats{}
	}
	return socket.Stats{Queued: block.queue.Len(), Dropped: block.queue.Dropped()}
}

func (e *UDPEndpoint) Close() error {
	b := e.backend
	b.stack.Lock()
	defer b.stack.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	block, ok := b.udp.get(e.handle)
	if !ok {
		return nil
	}
	block.pcb.SetRecv(nil)
	block.pcb.Remove()
	for _, group := range block.groups {
		if err := b.stack.LeaveGroup(group); err != nil {
			b.logger.Warn("leaving multicast group", "group", group, "error", err)
		}
	}
	block.pcb = nil
	block.groups = block.groups[:0]
	block.queue.Reset()
	b.udp.release(e.handle)
	b.logger.Debug("udp endpoint closed", "local", e.local)
	return nil
}
