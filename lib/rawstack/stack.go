// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/peersock/lib/clock"
)

const (
	ephemeralFirst = 49152
	ephemeralLast  = 65535

	// segmentSize caps the payload of one TCP segment.
	segmentSize = 1460
)

// Config sizes a Stack.
type Config struct {
	// Addresses are the stack's own addresses, at most one per family
	// is used as a source. Required.
	Addresses []netip.Addr

	// Link carries transmitted frames. Required.
	Link Link

	// UDPPCBs and TCPPCBs cap the PCB tables. Defaults 8 and 8.
	UDPPCBs int
	TCPPCBs int

	// Buffers is the size of the packet buffer pool used for UDP
	// sends, BufferSize the largest buffer. Defaults 16 and 2048.
	Buffers    int
	BufferSize int

	// SendBuffer is each TCP PCB's send buffer. Default 4096.
	SendBuffer int

	// ReceiveWindow is the receive window each TCP PCB advertises
	// when idle. Default 4096.
	ReceiveWindow int

	// InboxSize bounds frames queued by Input between polls. Default
	// 256.
	InboxSize int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.UDPPCBs == 0 {
		c.UDPPCBs = 8
	}
	if c.TCPPCBs == 0 {
		c.TCPPCBs = 8
	}
	if c.Buffers == 0 {
		c.Buffers = 16
	}
	if c.BufferSize == 0 {
		c.BufferSize = 2048
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 4096
	}
	if c.ReceiveWindow == 0 {
		c.ReceiveWindow = 4096
	}
	if c.InboxSize == 0 {
		c.InboxSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats counts stack activity since creation.
type Stats struct {
	FramesIn        uint64
	FramesOut       uint64
	InboxDrops      uint64
	NoPCB           uint64
	Resets          uint64
	RefusedBytes    uint64
	BufferExhausted uint64
}

// Stack is one network stack instance. See the package documentation
// for its locking rules.
type Stack struct {
	mu     sync.Mutex
	config Config
	logger *slog.Logger
	link   Link

	inboxMu    sync.Mutex
	inbox      []Frame
	inboxDrops uint64

	udp     []*UDPPCB
	tcp     []*TCPPCB
	groups  map[netip.Addr]int
	buffers int

	nextUDPPort uint16
	nextTCPPort uint16
	stats       Stats
}

// New returns a stack with no PCBs.
func New(config Config) (*Stack, error) {
	config = config.withDefaults()
	if config.Link == nil {
		return nil, errors.New("rawstack: config has no link")
	}
	if len(config.Addresses) == 0 {
		return nil, errors.New("rawstack: config has no addresses")
	}
	config.Addresses = slices.Clone(config.Addresses)
	for i, addr := range config.Addresses {
		if !addr.IsValid() || addr.IsUnspecified() || addr.IsMulticast() {
			return nil, fmt.Errorf("rawstack: address %d (%v) is not a usable unicast address", i, addr)
		}
		config.Addresses[i] = addr.Unmap()
	}
	if config.ReceiveWindow < 0 || config.SendBuffer < 0 {
		return nil, errors.New("rawstack: negative buffer size")
	}

	offset := uint16(rand.IntN(ephemeralLast - ephemeralFirst))
	return &Stack{
		config:      config,
		logger:      config.Logger,
		link:        config.Link,
		groups:      make(map[netip.Addr]int),
		buffers:     config.Buffers,
		nextUDPPort: ephemeralFirst + offset,
		nextTCPPort: ephemeralFirst + offset,
	}, nil
}

// Lock enters the network context.
func (s *Stack) Lock() { s.mu.Lock() }

// Unlock leaves the network context.
func (s *Stack) Unlock() { s.mu.Unlock() }

// Addresses returns the stack's own addresses.
func (s *Stack) Addresses() []netip.Addr {
	return slices.Clone(s.config.Addresses)
}

// Address returns the stack's address for family t.
func (s *Stack) Address(t IPType) (netip.Addr, bool) {
	for _, addr := range s.config.Addresses {
		if t.matches(addr) {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// ownsAddress reports whether addr is one of the stack's addresses.
func (s *Stack) ownsAddress(addr netip.Addr) bool {
	return slices.Contains(s.config.Addresses, addr.Unmap())
}

// Input queues a received frame for the next Poll. It never blocks on
// the network context. It returns false when the inbox is full and
// the frame was dropped.
func (s *Stack) Input(frame Frame) bool {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if len(s.inbox) >= s.config.InboxSize {
		s.inboxDrops++
		return false
	}
	s.inbox = append(s.inbox, frame)
	return true
}

// Poll processes every queued frame, re-offers data that receive
// callbacks refused earlier, and sends pending acknowledgements. It
// returns the number of frames processed. The caller must hold the
// lock.
func (s *Stack) Poll() int {
	s.inboxMu.Lock()
	frames := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()

	for _, frame := range frames {
		s.stats.FramesIn++
		switch frame.Proto {
		case ProtoUDP:
			s.inputUDP(frame)
		case ProtoTCP:
			s.inputTCP(frame)
		default:
			s.logger.Debug("dropping frame with unknown protocol", "frame", frame)
		}
	}

	for _, pcb := range slices.Clone(s.tcp) {
		pcb.redeliver()
	}
	for _, pcb := range slices.Clone(s.tcp) {
		if pcb.ackPending {
			pcb.sendAck()
		}
	}
	return len(frames)
}

// Pump takes the lock, polls, and releases it.
func (s *Stack) Pump() int {
	s.Lock()
	defer s.Unlock()
	return s.Poll()
}

// Run pumps the stack every interval until ctx is done. Use it for
// stacks nobody else polls, such as the far side of a test hub.
func (s *Stack) Run(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	for {
		s.Pump()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}

// Stats returns a snapshot of the counters. The caller must hold the
// lock.
func (s *Stack) Stats() Stats {
	stats := s.stats
	s.inboxMu.Lock()
	stats.InboxDrops = s.inboxDrops
	s.inboxMu.Unlock()
	return stats
}

func (s *Stack) transmit(frame Frame) error {
	s.stats.FramesOut++
	if err := s.link.Transmit(frame); err != nil {
		s.logger.Debug("link transmit failed", "frame", frame, "error", err)
		return err
	}
	return nil
}

// ephemeralPort picks an unused port for proto and family.
func (s *Stack) ephemeralPort(proto Proto, t IPType) (uint16, error) {
	next := &s.nextUDPPort
	if proto == ProtoTCP {
		next = &s.nextTCPPort
	}
	for range ephemeralLast - ephemeralFirst + 1 {
		port := *next
		if *next == ephemeralLast {
			*next = ephemeralFirst
		} else {
			*next++
		}
		if !s.portInUse(proto, t, port) {
			return port, nil
		}
	}
	return 0, ErrUse
}

func (s *Stack) portInUse(proto Proto, t IPType, port uint16) bool {
	if proto == ProtoUDP {
		return slices.ContainsFunc(s.udp, func(pcb *UDPPCB) bool {
			return pcb.ipType == t && pcb.port == port
		})
	}
	return slices.ContainsFunc(s.tcp, func(pcb *TCPPCB) bool {
		return pcb.ipType == t && pcb.port == port
	})
}

// JoinGroup adds the stack to multicast group. Memberships are
// counted; each JoinGroup needs a matching LeaveGroup.
func (s *Stack) JoinGroup(group netip.Addr) error {
	group = group.Unmap()
	if !group.IsMulticast() {
		return fmt.Errorf("%w: %v is not a multicast address", ErrArg, group)
	}
	s.groups[group]++
	return nil
}

// LeaveGroup drops one membership of group.
func (s *Stack) LeaveGroup(group netip.Addr) error {
	group = group.Unmap()
	count, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("%w: not a member of %v", ErrArg, group)
	}
	if count <= 1 {
		delete(s.groups, group)
	} else {
		s.groups[group] = count - 1
	}
	return nil
}

// IsMember reports whether the stack has joined group.
func (s *Stack) IsMember(group netip.Addr) bool {
	return s.groups[group.Unmap()] > 0
}
