// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bureau-foundation/peersock/lib/testutil"
)

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
	group = netip.MustParseAddr("239.1.1.1")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newPair(t *testing.T, configure func(*Config)) (*Hub, *Stack, *Stack) {
	t.Helper()
	hub := NewHub()
	build := func(addr netip.Addr) *Stack {
		config := Config{Addresses: []netip.Addr{addr}, Logger: quietLogger()}
		if configure != nil {
			configure(&config)
		}
		stack, err := hub.NewStack(config)
		if err != nil {
			t.Fatalf("NewStack(%v): %v", addr, err)
		}
		return stack
	}
	return hub, build(addrA), build(addrB)
}

type received struct {
	payload []byte
	source  netip.AddrPort
}

func bindUDP(t *testing.T, stack *Stack, port uint16, into *[]received) *UDPPCB {
	t.Helper()
	stack.Lock()
	defer stack.Unlock()
	pcb, err := stack.NewUDP(IPv4)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	if err := pcb.Bind(port); err != nil {
		t.Fatalf("Bind(%d): %v", port, err)
	}
	pcb.SetRecv(func(_ *UDPPCB, payload []byte, source netip.AddrPort) {
		*into = append(*into, received{bytes.Clone(payload), source})
	})
	return pcb
}

func sendUDP(t *testing.T, pcb *UDPPCB, payload string, destination netip.AddrPort) {
	t.Helper()
	stack := pcb.stack
	stack.Lock()
	defer stack.Unlock()
	buffer, err := stack.AllocBuffer(len(payload))
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	defer buffer.Free()
	copy(buffer.Bytes(), payload)
	if err := pcb.SendTo(buffer, destination); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
}

func TestUDPDeliveredOnlyDuringPoll(t *testing.T) {
	_, a, b := newPair(t, nil)
	var got []received
	bindUDP(t, b, 5000, &got)
	var unused []received
	sender := bindUDP(t, a, 0, &unused)

	sendUDP(t, sender, "hello", netip.AddrPortFrom(addrB, 5000))
	if len(got) != 0 {
		t.Fatal("datagram delivered before the receiving stack was polled")
	}
	if n := b.Pump(); n != 1 {
		t.Fatalf("Pump processed %d frames, want 1", n)
	}
	if len(got) != 1 || string(got[0].payload) != "hello" {
		t.Fatalf("received %+v", got)
	}
	if got[0].source != netip.AddrPortFrom(addrA, sender.LocalPort()) {
		t.Fatalf("source = %v, want %v:%d", got[0].source, addrA, sender.LocalPort())
	}
}

func TestUDPBindConflictsAndEphemeral(t *testing.T) {
	_, a, _ := newPair(t, nil)
	a.Lock()
	defer a.Unlock()

	first, _ := a.NewUDP(IPv4)
	if err := first.Bind(7000); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	second, _ := a.NewUDP(IPv4)
	if err := second.Bind(7000); !errors.Is(err, ErrUse) {
		t.Fatalf("second Bind(7000) err = %v, want ErrUse", err)
	}
	if err := second.Bind(0); err != nil {
		t.Fatalf("Bind(0): %v", err)
	}
	if port := second.LocalPort(); port < ephemeralFirst {
		t.Fatalf("ephemeral port %d below range", port)
	}

	v6, _ := a.NewUDP(IPv6)
	if err := v6.Bind(0); !errors.Is(err, ErrRte) {
		t.Fatalf("Bind on a family the stack lacks err = %v, want ErrRte", err)
	}
}

func TestUDPPCBLimit(t *testing.T) {
	_, a, _ := newPair(t, func(c *Config) { c.UDPPCBs = 2 })
	a.Lock()
	defer a.Unlock()
	one, _ := a.NewUDP(IPv4)
	if _, err := a.NewUDP(IPv4); err != nil {
		t.Fatalf("second NewUDP: %v", err)
	}
	if _, err := a.NewUDP(IPv4); !errors.Is(err, ErrMem) {
		t.Fatalf("third NewUDP err = %v, want ErrMem", err)
	}
	one.Remove()
	if _, err := a.NewUDP(IPv4); err != nil {
		t.Fatalf("NewUDP after Remove: %v", err)
	}
}

func TestBufferPoolExhaustion(t *testing.T) {
	_, a, _ := newPair(t, func(c *Config) { c.Buffers = 1; c.BufferSize = 16 })
	a.Lock()
	defer a.Unlock()

	if _, err := a.AllocBuffer(17); !errors.Is(err, ErrMem) {
		t.Fatalf("oversize AllocBuffer err = %v", err)
	}
	buffer, err := a.AllocBuffer(8)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	if _, err := a.AllocBuffer(8); !errors.Is(err, ErrMem) {
		t.Fatalf("AllocBuffer on empty pool err = %v", err)
	}
	buffer.Free()
	buffer.Free()
	if a.FreeBuffers() != 1 {
		t.Fatalf("FreeBuffers = %d after double free, want 1", a.FreeBuffers())
	}
}

func TestMulticastFollowsMembership(t *testing.T) {
	_, a, b := newPair(t, nil)
	var got []received
	bindUDP(t, b, 5353, &got)
	var unused []received
	sender := bindUDP(t, a, 0, &unused)
	destination := netip.AddrPortFrom(group, 5353)

	sendUDP(t, sender, "before", destination)
	b.Pump()
	if len(got) != 0 {
		t.Fatal("multicast delivered without membership")
	}

	b.Lock()
	b.JoinGroup(group)
	b.JoinGroup(group)
	b.LeaveGroup(group)
	b.Unlock()

	sendUDP(t, sender, "after", destination)
	b.Pump()
	if len(got) != 1 || string(got[0].payload) != "after" {
		t.Fatalf("received %+v", got)
	}

	b.Lock()
	defer b.Unlock()
	if err := b.JoinGroup(addrA); !errors.Is(err, ErrArg) {
		t.Fatalf("JoinGroup(unicast) err = %v", err)
	}
}

// tcpHarness connects a client on stack a to a listener on stack b.
type tcpHarness struct {
	hub            *Hub
	a, b           *Stack
	client, server *TCPPCB
	serverData     bytes.Buffer
	serverAccept   func(data []byte) int
	serverFIN      bool
	clientErr      error
}

func newTCPHarness(t *testing.T, configure func(*Config)) *tcpHarness {
	t.Helper()
	h := &tcpHarness{}
	h.hub, h.a, h.b = newPair(t, configure)
	h.serverAccept = func(data []byte) int { return len(data) }

	h.b.Lock()
	listener, err := h.b.NewTCP(IPv4)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	if err := listener.Bind(80); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := listener.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	listener.SetAccept(func(pcb *TCPPCB) error {
		h.server = pcb
		pcb.SetRecv(func(pcb *TCPPCB, data []byte) int {
			if data == nil {
				h.serverFIN = true
				return 0
			}
			n := h.serverAccept(data)
			h.serverData.Write(data[:n])
			pcb.Recved(n)
			return n
		})
		return nil
	})
	h.b.Unlock()

	h.a.Lock()
	h.client, err = h.a.NewTCP(IPv4)
	if err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	h.client.SetError(func(err error) { h.clientErr = err })
	connected := false
	if err := h.client.Connect(netip.AddrPortFrom(addrB, 80), func(*TCPPCB) { connected = true }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.a.Unlock()

	h.settle()
	if !connected || h.server == nil {
		t.Fatalf("handshake incomplete: connected=%v server=%v", connected, h.server)
	}
	return h
}

// settle pumps both stacks until no frames move.
func (h *tcpHarness) settle() {
	for range 100 {
		if h.a.Pump()+h.b.Pump() == 0 {
			return
		}
	}
}

func (h *tcpHarness) write(t *testing.T, data string) int {
	t.Helper()
	h.a.Lock()
	defer h.a.Unlock()
	n := min(len(data), h.client.SndBuf())
	if n == 0 {
		return 0
	}
	if err := h.client.Write([]byte(data[:n])); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := h.client.Output(); err != nil {
		t.Fatalf("Output: %v", err)
	}
	return n
}

func TestTCPDataFlowsInOrder(t *testing.T) {
	h := newTCPHarness(t, nil)
	h.write(t, "abc")
	h.write(t, "def")
	h.settle()
	if h.serverData.String() != "abcdef" {
		t.Fatalf("server received %q", h.serverData.String())
	}
}

func TestTCPSndBufHonorsPeerWindow(t *testing.T) {
	h := newTCPHarness(t, func(c *Config) { c.ReceiveWindow = 5 })
	h.a.Lock()
	window := h.client.SndBuf()
	h.a.Unlock()
	if window != 5 {
		t.Fatalf("SndBuf = %d, want the peer's window of 5", window)
	}
	if n := h.write(t, "0123456789"); n != 5 {
		t.Fatalf("wrote %d, want 5", n)
	}
	if n := h.write(t, "56789"); n != 0 {
		t.Fatalf("wrote %d into a closed window", n)
	}

	h.settle()
	if h.serverData.String() != "01234" {
		t.Fatalf("server received %q", h.serverData.String())
	}
	// The server acknowledged everything it read, so the window is back.
	if n := h.write(t, "56789"); n != 5 {
		t.Fatalf("wrote %d after window update, want 5", n)
	}
	h.settle()
	if h.serverData.String() != "0123456789" {
		t.Fatalf("server received %q", h.serverData.String())
	}
}

func TestTCPRefusedDataIsRedelivered(t *testing.T) {
	h := newTCPHarness(t, nil)
	room := 2
	h.serverAccept = func(data []byte) int {
		n := min(room, len(data))
		room -= n
		return n
	}

	h.write(t, "abcdef")
	h.settle()
	if h.serverData.String() != "ab" {
		t.Fatalf("server took %q, want ab", h.serverData.String())
	}

	room = 10
	h.b.Pump()
	if h.serverData.String() != "abcdef" {
		t.Fatalf("server took %q after room opened, want abcdef", h.serverData.String())
	}
	h.b.Lock()
	refused := h.b.Stats().RefusedBytes
	h.b.Unlock()
	if refused != 4 {
		t.Fatalf("RefusedBytes = %d, want 4", refused)
	}
}

func TestTCPFinDeliveredAfterData(t *testing.T) {
	h := newTCPHarness(t, nil)
	room := 0
	h.serverAccept = func(data []byte) int {
		n := min(room, len(data))
		room -= n
		return n
	}

	h.write(t, "tail")
	h.a.Lock()
	if err := h.client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.a.Unlock()
	h.settle()
	if h.serverFIN {
		t.Fatal("FIN reported while data was still refused")
	}

	room = 10
	h.b.Pump()
	if h.serverData.String() != "tail" || !h.serverFIN {
		t.Fatalf("data %q fin %v", h.serverData.String(), h.serverFIN)
	}

	// Closing the server side lets the client's lingering PCB go.
	h.b.Lock()
	h.server.Close()
	h.b.Unlock()
	h.settle()
	h.a.Lock()
	defer h.a.Unlock()
	if len(h.a.tcp) != 0 {
		t.Fatalf("client stack still holds %d pcbs", len(h.a.tcp))
	}
}

func TestTCPResetReachesErrorCallback(t *testing.T) {
	h := newTCPHarness(t, nil)
	h.b.Lock()
	h.server.Abort()
	h.b.Unlock()
	h.settle()
	if !errors.Is(h.clientErr, ErrRst) {
		t.Fatalf("client error = %v, want ErrRst", h.clientErr)
	}
	if !h.client.Freed() {
		t.Fatal("client pcb not freed before error callback")
	}
}

func TestTCPConnectRefusedWithoutListener(t *testing.T) {
	_, a, b := newPair(t, nil)
	var failure error
	a.Lock()
	pcb, _ := a.NewTCP(IPv4)
	pcb.SetError(func(err error) { failure = err })
	if err := pcb.Connect(netip.AddrPortFrom(addrB, 81), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.Unlock()

	b.Pump()
	a.Pump()
	if !errors.Is(failure, ErrRst) {
		t.Fatalf("error = %v, want ErrRst", failure)
	}
}

func TestTCPConnectToUnknownHostStaysPending(t *testing.T) {
	hub, a, _ := newPair(t, nil)
	a.Lock()
	pcb, _ := a.NewTCP(IPv4)
	pcb.Connect(netip.MustParseAddrPort("10.9.9.9:80"), nil)
	a.Unlock()
	a.Pump()

	if hub.Dropped() != 1 {
		t.Fatalf("hub dropped %d frames, want the SYN", hub.Dropped())
	}
	a.Lock()
	defer a.Unlock()
	if pcb.Established() || pcb.Freed() {
		t.Fatalf("pcb state %s", pcb.state)
	}
	pcb.Abort()
	if !pcb.Freed() {
		t.Fatal("Abort did not free the pcb")
	}
}

func TestTCPSequenceGapAborts(t *testing.T) {
	h := newTCPHarness(t, nil)
	var serverErr error
	h.b.Lock()
	h.server.SetError(func(err error) { serverErr = err })
	h.b.Unlock()

	drop := true
	h.hub.SetFilter(func(frame Frame) bool {
		if drop && len(frame.Payload) > 0 {
			drop = false
			return false
		}
		return true
	})
	h.write(t, "lost")
	h.write(t, "next")
	h.settle()

	if !errors.Is(serverErr, ErrAbrt) {
		t.Fatalf("server error = %v, want ErrAbrt", serverErr)
	}
	if !errors.Is(h.clientErr, ErrRst) {
		t.Fatalf("client error = %v, want ErrRst", h.clientErr)
	}
}

func TestTCPPCBLimitRefusesConnections(t *testing.T) {
	_, a, b := newPair(t, func(c *Config) { c.TCPPCBs = 1 })
	b.Lock()
	listener, _ := b.NewTCP(IPv4)
	listener.Bind(80)
	listener.Listen()
	listener.SetAccept(func(*TCPPCB) error { return nil })
	b.Unlock()

	var failure error
	a.Lock()
	if _, err := a.NewTCP(IPv4); err != nil {
		t.Fatalf("NewTCP: %v", err)
	}
	if _, err := a.NewTCP(IPv4); !errors.Is(err, ErrMem) {
		t.Fatalf("NewTCP beyond limit err = %v", err)
	}
	client := a.tcp[0]
	client.SetError(func(err error) { failure = err })
	client.Connect(netip.AddrPortFrom(addrB, 80), nil)
	a.Unlock()

	b.Pump()
	a.Pump()
	if !errors.Is(failure, ErrRst) {
		t.Fatalf("connect to a full stack err = %v, want ErrRst", failure)
	}
}

func TestPacketLinkCarriesFrames(t *testing.T) {
	connA, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer connA.Close()
	connB, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer connB.Close()

	linkA := NewPacketLink(connA, map[netip.Addr]net.Addr{addrB: connB.LocalAddr()}, quietLogger())
	linkB := NewPacketLink(connB, map[netip.Addr]net.Addr{addrA: connA.LocalAddr()}, quietLogger())
	a, err := New(Config{Addresses: []netip.Addr{addrA}, Link: linkA, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(Config{Addresses: []netip.Addr{addrB}, Link: linkB, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- linkB.Serve(ctx, b) }()

	var got []received
	bindUDP(t, b, 9000, &got)
	var unused []received
	sender := bindUDP(t, a, 0, &unused)
	sendUDP(t, sender, "tunneled", netip.AddrPortFrom(addrB, 9000))

	testutil.Eventually(t, 5*time.Second, func() bool {
		b.Pump()
		return len(got) == 1
	}, "datagram crossing the tunnel")
	if string(got[0].payload) != "tunneled" {
		t.Fatalf("payload = %q", got[0].payload)
	}

	cancel()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve returning"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v, want context.Canceled", err)
	}
}
