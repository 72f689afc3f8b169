// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import (
	"fmt"
	"net/netip"
	"slices"
)

// UDPRecvFunc receives one datagram. payload is only valid for the
// duration of the call.
type UDPRecvFunc func(pcb *UDPPCB, payload []byte, source netip.AddrPort)

// UDPPCB is a UDP protocol control block.
type UDPPCB struct {
	stack   *Stack
	ipType  IPType
	port    uint16
	bound   bool
	removed bool
	recv    UDPRecvFunc
}

// NewUDP allocates a UDP PCB. It fails with ErrMem when the table is
// full. The caller must hold the lock.
func (s *Stack) NewUDP(t IPType) (*UDPPCB, error) {
	if len(s.udp) >= s.config.UDPPCBs {
		return nil, fmt.Errorf("%w: %d udp pcbs in use", ErrMem, len(s.udp))
	}
	pcb := &UDPPCB{stack: s, ipType: t}
	s.udp = append(s.udp, pcb)
	return pcb, nil
}

// Bind binds the PCB to port on the wildcard address. Port 0 picks an
// ephemeral port.
func (pcb *UDPPCB) Bind(port uint16) error {
	if pcb.removed {
		return ErrClsd
	}
	if pcb.bound {
		return fmt.Errorf("%w: pcb already bound to %d", ErrUse, pcb.port)
	}
	s := pcb.stack
	if _, ok := s.Address(pcb.ipType); !ok {
		return fmt.Errorf("%w: stack has no %s address", ErrRte, pcb.ipType)
	}
	if port == 0 {
		var err error
		if port, err = s.ephemeralPort(ProtoUDP, pcb.ipType); err != nil {
			return err
		}
	} else if s.portInUse(ProtoUDP, pcb.ipType, port) {
		return fmt.Errorf("%w: udp port %d", ErrUse, port)
	}
	pcb.port = port
	pcb.bound = true
	return nil
}

// LocalPort returns the bound port, or 0.
func (pcb *UDPPCB) LocalPort() uint16 { return pcb.port }

// LocalAddr returns the stack address and bound port.
func (pcb *UDPPCB) LocalAddr() netip.AddrPort {
	addr, _ := pcb.stack.Address(pcb.ipType)
	return netip.AddrPortFrom(addr, pcb.port)
}

// SetRecv installs fn as the receive callback. nil deregisters.
func (pcb *UDPPCB) SetRecv(fn UDPRecvFunc) { pcb.recv = fn }

// SendTo transmits the buffer's contents to destination. An unbound
// PCB is bound to an ephemeral port first. The buffer stays owned by
// the caller.
func (pcb *UDPPCB) SendTo(buffer *Buffer, destination netip.AddrPort) error {
	if pcb.removed {
		return ErrClsd
	}
	if buffer == nil || buffer.freed {
		return fmt.Errorf("%w: nil or freed buffer", ErrArg)
	}
	destination = netip.AddrPortFrom(destination.Addr().Unmap(), destination.Port())
	if !pcb.ipType.matches(destination.Addr()) {
		return fmt.Errorf("%w: %s pcb cannot reach %v", ErrRte, pcb.ipType, destination)
	}
	if !pcb.bound {
		if err := pcb.Bind(0); err != nil {
			return err
		}
	}
	source, ok := pcb.stack.Address(pcb.ipType)
	if !ok {
		return ErrRte
	}
	return pcb.stack.transmit(Frame{
		Proto:   ProtoUDP,
		Src:     netip.AddrPortFrom(source, pcb.port),
		Dst:     destination,
		Payload: slices.Clone(buffer.data),
	})
}

// Remove releases the PCB. Its callback is never called again.
func (pcb *UDPPCB) Remove() {
	if pcb.removed {
		return
	}
	pcb.removed = true
	pcb.recv = nil
	s := pcb.stack
	s.udp = slices.DeleteFunc(s.udp, func(other *UDPPCB) bool { return other == pcb })
}

func (s *Stack) inputUDP(frame Frame) {
	dst := frame.Dst.Addr().Unmap()
	if dst.IsMulticast() {
		if !s.IsMember(dst) {
			return
		}
	} else if !s.ownsAddress(dst) {
		s.stats.NoPCB++
		return
	}

	delivered := false
	for _, pcb := range slices.Clone(s.udp) {
		if !pcb.bound || pcb.port != frame.Dst.Port() || !pcb.ipType.matches(dst) {
			continue
		}
		delivered = true
		if pcb.recv != nil {
			pcb.recv(pcb, frame.Payload, frame.Src)
		}
		if !dst.IsMulticast() {
			break
		}
	}
	if !delivered {
		s.stats.NoPCB++
	}
}
