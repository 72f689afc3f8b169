// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
)

// Proto is the transport protocol of a frame, numbered as in the IP
// header.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Flags are TCP control bits.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagACK
)

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var names []string
	for _, bit := range []struct {
		flag Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}} {
		if f&bit.flag != 0 {
			names = append(names, bit.name)
		}
	}
	return strings.Join(names, "|")
}

// Frame is one packet as links carry it: network and transport
// headers flattened into a struct. UDP frames use only Proto, Src,
// Dst and Payload.
type Frame struct {
	Proto   Proto          `cbor:"proto"`
	Src     netip.AddrPort `cbor:"src"`
	Dst     netip.AddrPort `cbor:"dst"`
	Flags   Flags          `cbor:"flags,omitempty"`
	Seq     uint32         `cbor:"seq,omitempty"`
	Ack     uint32         `cbor:"ack,omitempty"`
	Window  uint32         `cbor:"wnd,omitempty"`
	Payload []byte         `cbor:"data,omitempty"`
}

func (f Frame) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("proto", f.Proto.String()),
		slog.String("src", f.Src.String()),
		slog.String("dst", f.Dst.String()),
		slog.Int("len", len(f.Payload)),
	}
	if f.Proto == ProtoTCP {
		attrs = append(attrs,
			slog.String("flags", f.Flags.String()),
			slog.Uint64("seq", uint64(f.Seq)),
			slog.Uint64("ack", uint64(f.Ack)),
			slog.Uint64("wnd", uint64(f.Window)),
		)
	}
	return slog.GroupValue(attrs...)
}

// Link transmits frames on behalf of a stack. Transmit is called with
// the sending stack's lock held and must not block on that stack.
type Link interface {
	Transmit(frame Frame) error
}

// IPType selects the address family of a PCB.
type IPType uint8

const (
	IPv4 IPType = iota
	IPv6
)

func (t IPType) String() string {
	if t == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

func (t IPType) matches(addr netip.Addr) bool {
	return addr.Is6() == (t == IPv6)
}
