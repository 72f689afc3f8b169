// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
)

type tcpState uint8

const (
	tcpClosed tcpState = iota
	tcpListen
	tcpSynSent
	tcpSynReceived
	tcpEstablished
	// tcpCloseWait: the peer has sent FIN, we may still send.
	tcpCloseWait
	// tcpFinWait: we have closed and sent FIN. The application no
	// longer owns the PCB; it lingers only to absorb the peer's FIN.
	tcpFinWait
)

func (s tcpState) String() string {
	return [...]string{"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD", "ESTABLISHED", "CLOSE_WAIT", "FIN_WAIT"}[s]
}

// TCPRecvFunc receives in-order stream data and returns how many
// bytes it accepted. Unaccepted bytes stay with the PCB and are
// offered again on the next Poll. data is nil exactly once, after all
// data has been accepted, when the peer has closed its side.
type TCPRecvFunc func(pcb *TCPPCB, data []byte) int

// TCPErrFunc reports a fatal error. The PCB is already freed when it
// runs.
type TCPErrFunc func(err error)

// TCPConnectedFunc runs when an active open completes.
type TCPConnectedFunc func(pcb *TCPPCB)

// TCPAcceptFunc receives a new passive connection. Returning an error
// aborts it.
type TCPAcceptFunc func(pcb *TCPPCB) error

// TCPPCB is a TCP protocol control block.
type TCPPCB struct {
	stack  *Stack
	ipType IPType
	state  tcpState
	freed  bool
	bound  bool
	port   uint16
	local  netip.AddrPort
	remote netip.AddrPort

	iss    uint32
	sndUna uint32
	sndNxt uint32
	// sndRight is the right edge of the peer's window: the latest
	// acceptable ack plus the window advertised with it.
	sndRight uint32
	unsent   []byte

	rcvNxt      uint32
	rcvWnd      int
	refused     []byte
	finPending  bool
	finReported bool
	ackPending  bool

	listener  *TCPPCB
	recv      TCPRecvFunc
	errFn     TCPErrFunc
	connected TCPConnectedFunc
	accept    TCPAcceptFunc
}

// NewTCP allocates a TCP PCB. It fails with ErrMem when the table is
// full; PCBs lingering after Close do not count. The caller must hold
// the lock.
func (s *Stack) NewTCP(t IPType) (*TCPPCB, error) {
	if active := s.activeTCP(); active >= s.config.TCPPCBs {
		return nil, fmt.Errorf("%w: %d tcp pcbs in use", ErrMem, active)
	}
	pcb := &TCPPCB{stack: s, ipType: t}
	s.tcp = append(s.tcp, pcb)
	return pcb, nil
}

func (s *Stack) activeTCP() int {
	active := 0
	for _, pcb := range s.tcp {
		if pcb.state != tcpFinWait {
			active++
		}
	}
	return active
}

// Bind binds the PCB to port. Port 0 picks an ephemeral port.
func (pcb *TCPPCB) Bind(port uint16) error {
	if pcb.freed {
		return ErrClsd
	}
	if pcb.bound {
		return fmt.Errorf("%w: pcb already bound to %d", ErrUse, pcb.port)
	}
	s := pcb.stack
	addr, ok := s.Address(pcb.ipType)
	if !ok {
		return fmt.Errorf("%w: stack has no %s address", ErrRte, pcb.ipType)
	}
	if port == 0 {
		var err error
		if port, err = s.ephemeralPort(ProtoTCP, pcb.ipType); err != nil {
			return err
		}
	} else if s.portInUse(ProtoTCP, pcb.ipType, port) {
		return fmt.Errorf("%w: tcp port %d", ErrUse, port)
	}
	pcb.port = port
	pcb.bound = true
	pcb.local = netip.AddrPortFrom(addr, port)
	return nil
}

// Listen turns a bound PCB into a listener.
func (pcb *TCPPCB) Listen() error {
	if pcb.freed {
		return ErrClsd
	}
	if !pcb.bound || pcb.state != tcpClosed {
		return fmt.Errorf("%w: listen needs a bound, idle pcb", ErrArg)
	}
	pcb.state = tcpListen
	return nil
}

// Connect starts an active open to remote. connected runs from a later
// Poll once the handshake completes. Failure is reported through the
// error callback.
func (pcb *TCPPCB) Connect(remote netip.AddrPort, connected TCPConnectedFunc) error {
	if pcb.freed {
		return ErrClsd
	}
	if pcb.state != tcpClosed {
		return fmt.Errorf("%w: pcb is %s", ErrConn, pcb.state)
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if !pcb.ipType.matches(remote.Addr()) || remote.Addr().IsMulticast() || remote.Port() == 0 {
		return fmt.Errorf("%w: %s pcb cannot connect to %v", ErrRte, pcb.ipType, remote)
	}
	if !pcb.bound {
		if err := pcb.Bind(0); err != nil {
			return err
		}
	}

	pcb.remote = remote
	pcb.iss = rand.Uint32()
	pcb.sndUna = pcb.iss
	pcb.sndNxt = pcb.iss + 1
	pcb.sndRight = pcb.sndNxt
	pcb.rcvWnd = pcb.stack.config.ReceiveWindow
	pcb.connected = connected
	pcb.state = tcpSynSent

	frame := pcb.segment(FlagSYN, nil)
	frame.Seq = pcb.iss
	frame.Ack = 0
	pcb.stack.transmit(frame)
	return nil
}

// SetRecv installs the receive callback; nil deregisters. Without a
// callback the stack accepts and discards data.
func (pcb *TCPPCB) SetRecv(fn TCPRecvFunc) { pcb.recv = fn }

// SetError installs the error callback; nil deregisters.
func (pcb *TCPPCB) SetError(fn TCPErrFunc) { pcb.errFn = fn }

// SetAccept installs a listener's accept callback.
func (pcb *TCPPCB) SetAccept(fn TCPAcceptFunc) { pcb.accept = fn }

func (pcb *TCPPCB) LocalAddr() netip.AddrPort  { return pcb.local }
func (pcb *TCPPCB) RemoteAddr() netip.AddrPort { return pcb.remote }

// Established reports whether the PCB can carry data in both
// directions or at least send.
func (pcb *TCPPCB) Established() bool {
	return !pcb.freed && (pcb.state == tcpEstablished || pcb.state == tcpCloseWait)
}

// Freed reports whether the stack has released the PCB.
func (pcb *TCPPCB) Freed() bool { return pcb.freed }

func (pcb *TCPPCB) String() string {
	return fmt.Sprintf("tcp %v->%v %s", pcb.local, pcb.remote, pcb.state)
}

// SndBuf returns how many bytes Write accepts right now: the smaller
// of free send buffer space and the peer's remaining window.
func (pcb *TCPPCB) SndBuf() int {
	if !pcb.Established() {
		return 0
	}
	inflight := int(pcb.sndNxt - pcb.sndUna)
	local := pcb.stack.config.SendBuffer - len(pcb.unsent) - inflight
	window := int(int32(pcb.sndRight-pcb.sndNxt)) - len(pcb.unsent)
	return max(0, min(local, window))
}

// Write copies data into the send buffer. It fails with ErrMem when
// data exceeds SndBuf. Call Output to transmit.
func (pcb *TCPPCB) Write(data []byte) error {
	if !pcb.Established() {
		return fmt.Errorf("%w: pcb is %s", ErrConn, pcb.state)
	}
	if available := pcb.SndBuf(); len(data) > available {
		return fmt.Errorf("%w: write of %d bytes, %d available", ErrMem, len(data), available)
	}
	pcb.unsent = append(pcb.unsent, data...)
	return nil
}

// Output transmits buffered data the peer's window allows.
func (pcb *TCPPCB) Output() error {
	if !pcb.Established() {
		return fmt.Errorf("%w: pcb is %s", ErrConn, pcb.state)
	}
	pcb.flush()
	return nil
}

func (pcb *TCPPCB) flush() {
	for len(pcb.unsent) > 0 {
		room := int(int32(pcb.sndRight - pcb.sndNxt))
		if room <= 0 {
			break
		}
		n := min(len(pcb.unsent), room, segmentSize)
		pcb.stack.transmit(pcb.segment(FlagACK, slices.Clone(pcb.unsent[:n])))
		pcb.sndNxt += uint32(n)
		pcb.unsent = pcb.unsent[n:]
	}
	if len(pcb.unsent) == 0 {
		pcb.unsent = nil
	}
}

// Recved reopens the receive window by n bytes the application has
// taken. A window update goes out on the next Poll.
func (pcb *TCPPCB) Recved(n int) {
	if pcb.freed || n <= 0 {
		return
	}
	pcb.rcvWnd = min(pcb.rcvWnd+n, pcb.stack.config.ReceiveWindow)
	pcb.ackPending = true
}

// Close starts an orderly close. Callbacks are never invoked again.
// If the FIN cannot be transmitted Close fails and the PCB is
// untouched; the caller should Abort it.
func (pcb *TCPPCB) Close() error {
	if pcb.freed {
		return nil
	}
	switch pcb.state {
	case tcpClosed, tcpListen, tcpSynSent:
		pcb.free()
	case tcpSynReceived, tcpEstablished, tcpCloseWait:
		pcb.flush()
		if err := pcb.stack.transmit(pcb.segment(FlagFIN|FlagACK, nil)); err != nil {
			return fmt.Errorf("%w: sending fin: %v", ErrMem, err)
		}
		pcb.sndNxt++
		if pcb.state == tcpCloseWait {
			pcb.free()
			return nil
		}
		pcb.state = tcpFinWait
		pcb.clearCallbacks()
		pcb.refused = nil
		pcb.listener = nil
	}
	return nil
}

// Abort resets the connection and frees the PCB. The error callback,
// if still installed, receives ErrAbrt.
func (pcb *TCPPCB) Abort() {
	pcb.abort(ErrAbrt)
}

func (pcb *TCPPCB) abort(reason error) {
	if pcb.freed {
		return
	}
	switch pcb.state {
	case tcpSynSent, tcpSynReceived, tcpEstablished, tcpCloseWait, tcpFinWait:
		pcb.stack.transmit(pcb.segment(FlagRST|FlagACK, nil))
	}
	pcb.fail(reason)
}

// fail frees the PCB and then reports err.
func (pcb *TCPPCB) fail(err error) {
	errFn := pcb.errFn
	pcb.free()
	if errFn != nil {
		errFn(err)
	}
}

func (pcb *TCPPCB) clearCallbacks() {
	pcb.recv = nil
	pcb.errFn = nil
	pcb.connected = nil
	pcb.accept = nil
}

func (pcb *TCPPCB) free() {
	if pcb.freed {
		return
	}
	pcb.freed = true
	pcb.state = tcpClosed
	pcb.clearCallbacks()
	pcb.unsent = nil
	pcb.refused = nil
	s := pcb.stack
	s.tcp = slices.DeleteFunc(s.tcp, func(other *TCPPCB) bool { return other == pcb })
}

// segment builds a frame from the PCB's current sequence state.
func (pcb *TCPPCB) segment(flags Flags, payload []byte) Frame {
	if flags&FlagACK != 0 {
		pcb.ackPending = false
	}
	return Frame{
		Proto:   ProtoTCP,
		Src:     pcb.local,
		Dst:     pcb.remote,
		Flags:   flags,
		Seq:     pcb.sndNxt,
		Ack:     pcb.rcvNxt,
		Window:  uint32(pcb.rcvWnd),
		Payload: payload,
	}
}

func (pcb *TCPPCB) sendAck() {
	pcb.stack.transmit(pcb.segment(FlagACK, nil))
}

// seqLEQ compares sequence numbers modulo 2^32.
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }

func (s *Stack) inputTCP(frame Frame) {
	frame.Dst = netip.AddrPortFrom(frame.Dst.Addr().Unmap(), frame.Dst.Port())
	frame.Src = netip.AddrPortFrom(frame.Src.Addr().Unmap(), frame.Src.Port())
	if !s.ownsAddress(frame.Dst.Addr()) {
		s.stats.NoPCB++
		return
	}

	pcb := s.findConnection(frame.Dst, frame.Src)
	if frame.Flags&FlagRST != 0 {
		if pcb != nil {
			s.stats.Resets++
			s.logger.Debug("connection reset by peer", "pcb", pcb.String())
			pcb.fail(ErrRst)
		}
		return
	}
	if pcb == nil {
		if frame.Flags&(FlagSYN|FlagACK) == FlagSYN {
			if listener := s.findListener(frame.Dst); listener != nil {
				s.acceptSyn(listener, frame)
				return
			}
		}
		s.stats.NoPCB++
		s.sendReset(frame)
		return
	}
	pcb.input(frame)
}

func (s *Stack) findConnection(local, remote netip.AddrPort) *TCPPCB {
	for _, pcb := range s.tcp {
		if pcb.state != tcpListen && pcb.state != tcpClosed && pcb.local == local && pcb.remote == remote {
			return pcb
		}
	}
	return nil
}

func (s *Stack) findListener(local netip.AddrPort) *TCPPCB {
	for _, pcb := range s.tcp {
		if pcb.state == tcpListen && pcb.port == local.Port() && pcb.ipType.matches(local.Addr()) {
			return pcb
		}
	}
	return nil
}

// sendReset answers a segment that matches no connection.
func (s *Stack) sendReset(frame Frame) {
	reply := Frame{Proto: ProtoTCP, Src: frame.Dst, Dst: frame.Src, Flags: FlagRST}
	if frame.Flags&FlagACK != 0 {
		reply.Seq = frame.Ack
	} else {
		reply.Flags |= FlagACK
		reply.Ack = frame.Seq + uint32(len(frame.Payload))
		if frame.Flags&FlagSYN != 0 {
			reply.Ack++
		}
	}
	s.transmit(reply)
}

func (s *Stack) acceptSyn(listener *TCPPCB, frame Frame) {
	if s.activeTCP() >= s.config.TCPPCBs {
		s.logger.Debug("refusing connection, tcp pcb table full", "remote", frame.Src.String())
		s.sendReset(frame)
		return
	}
	child := &TCPPCB{
		stack:    s,
		ipType:   listener.ipType,
		state:    tcpSynReceived,
		bound:    true,
		port:     listener.port,
		local:    frame.Dst,
		remote:   frame.Src,
		iss:      rand.Uint32(),
		rcvNxt:   frame.Seq + 1,
		rcvWnd:   s.config.ReceiveWindow,
		listener: listener,
	}
	child.sndUna = child.iss
	child.sndNxt = child.iss + 1
	child.sndRight = child.sndNxt + frame.Window
	s.tcp = append(s.tcp, child)

	synAck := child.segment(FlagSYN|FlagACK, nil)
	synAck.Seq = child.iss
	s.transmit(synAck)
}

func (pcb *TCPPCB) input(frame Frame) {
	switch pcb.state {
	case tcpSynSent:
		if frame.Flags&(FlagSYN|FlagACK) != FlagSYN|FlagACK || frame.Ack != pcb.iss+1 {
			return
		}
		pcb.sndUna = frame.Ack
		pcb.sndRight = frame.Ack + frame.Window
		pcb.rcvNxt = frame.Seq + 1
		pcb.state = tcpEstablished
		pcb.sendAck()
		if connected := pcb.connected; connected != nil {
			pcb.connected = nil
			connected(pcb)
		}
		return

	case tcpSynReceived:
		if frame.Flags&FlagACK == 0 || frame.Ack != pcb.iss+1 {
			return
		}
		pcb.sndUna = frame.Ack
		pcb.sndRight = frame.Ack + frame.Window
		pcb.state = tcpEstablished
		listener := pcb.listener
		pcb.listener = nil
		if listener == nil || listener.freed || listener.accept == nil {
			pcb.Abort()
			return
		}
		if err := listener.accept(pcb); err != nil {
			pcb.stack.logger.Debug("accept callback refused connection", "pcb", pcb.String(), "error", err)
			pcb.Abort()
			return
		}
		if pcb.freed {
			return
		}

	case tcpEstablished, tcpCloseWait, tcpFinWait:
		if frame.Flags&FlagSYN != 0 {
			// Retransmitted SYN|ACK: our handshake ACK went missing.
			pcb.sendAck()
			return
		}

	default:
		return
	}

	pcb.processAck(frame)
	pcb.processData(frame)
}

func (pcb *TCPPCB) processAck(frame Frame) {
	if frame.Flags&FlagACK == 0 {
		return
	}
	if seqLEQ(pcb.sndUna, frame.Ack) && seqLEQ(frame.Ack, pcb.sndNxt) {
		pcb.sndUna = frame.Ack
		pcb.sndRight = frame.Ack + frame.Window
	}
	pcb.flush()
}

func (pcb *TCPPCB) processData(frame Frame) {
	payload := frame.Payload
	fin := frame.Flags&FlagFIN != 0
	if len(payload) == 0 && !fin {
		return
	}
	if frame.Seq != pcb.rcvNxt {
		if seqLEQ(frame.Seq+uint32(len(payload)), pcb.rcvNxt) {
			pcb.ackPending = true
			return
		}
		pcb.stack.logger.Debug("sequence gap, aborting connection",
			"pcb", pcb.String(), "expected", pcb.rcvNxt, "got", frame.Seq)
		pcb.abort(ErrAbrt)
		return
	}
	if len(payload) > pcb.rcvWnd {
		payload = payload[:pcb.rcvWnd]
		fin = false
	}

	pcb.rcvNxt += uint32(len(payload))
	pcb.rcvWnd -= len(payload)
	pcb.ackPending = true
	if len(payload) > 0 {
		if pcb.state == tcpFinWait {
			pcb.rcvWnd += len(payload)
		} else {
			pcb.deliver(payload)
		}
		if pcb.freed {
			return
		}
	}

	if fin {
		pcb.rcvNxt++
		switch pcb.state {
		case tcpEstablished:
			pcb.state = tcpCloseWait
			pcb.finPending = true
		case tcpFinWait:
			pcb.sendAck()
			pcb.free()
		}
	}
}

func (pcb *TCPPCB) deliver(data []byte) {
	if len(pcb.refused) > 0 {
		pcb.refused = append(pcb.refused, data...)
		pcb.stack.stats.RefusedBytes += uint64(len(data))
		return
	}
	if pcb.recv == nil {
		pcb.Recved(len(data))
		return
	}
	taken := min(max(pcb.recv(pcb, data), 0), len(data))
	if taken < len(data) && !pcb.freed {
		pcb.refused = append([]byte(nil), data[taken:]...)
		pcb.stack.stats.RefusedBytes += uint64(len(data) - taken)
	}
}

// redeliver offers refused data again, then reports a pending FIN once
// nothing is left.
func (pcb *TCPPCB) redeliver() {
	if pcb.freed {
		return
	}
	if len(pcb.refused) > 0 && pcb.recv != nil {
		taken := min(max(pcb.recv(pcb, pcb.refused), 0), len(pcb.refused))
		if pcb.freed {
			return
		}
		pcb.refused = pcb.refused[taken:]
		if len(pcb.refused) == 0 {
			pcb.refused = nil
		}
	}
	if pcb.finPending && !pcb.finReported && len(pcb.refused) == 0 {
		pcb.finReported = true
		if pcb.recv != nil {
			pcb.recv(pcb, nil)
		}
	}
}
