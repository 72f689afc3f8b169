// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// Family selects the address family of an endpoint or address.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Valid reports whether f is IPv4 or IPv6.
func (f Family) Valid() bool { return f == FamilyIPv4 || f == FamilyIPv6 }

// Len returns the raw address length for f: 4, 16, or 0.
func (f Family) Len() int {
	switch f {
	case FamilyIPv4:
		return net.IPv4len
	case FamilyIPv6:
		return net.IPv6len
	default:
		return 0
	}
}

// Address is an IPv4 or IPv6 endpoint address. The bytes are read
// according to family and nothing else: an IPv4 address uses the
// first four bytes and the rest stay zero. The zero Address is
// invalid.
type Address struct {
	family Family
	port   uint16
	bytes  [16]byte
}

// NewAddress builds an Address from raw network-order bytes. raw must
// be exactly family.Len() long.
func NewAddress(family Family, raw []byte, port uint16) (Address, error) {
	if !family.Valid() {
		return Address{}, fmt.Errorf("%w: unknown family %d", ErrInvalidAddress, uint8(family))
	}
	if len(raw) != family.Len() {
		return Address{}, fmt.Errorf("%w: %s address needs %d bytes, got %d",
			ErrInvalidAddress, family, family.Len(), len(raw))
	}
	address := Address{family: family, port: port}
	copy(address.bytes[:], raw)
	return address, nil
}

// AddressFromAddrPort converts a netip.AddrPort. IPv4-mapped IPv6
// addresses become IPv4.
func AddressFromAddrPort(ap netip.AddrPort) (Address, error) {
	ip := ap.Addr().Unmap()
	switch {
	case ip.Is4():
		raw := ip.As4()
		return NewAddress(FamilyIPv4, raw[:], ap.Port())
	case ip.Is6():
		if ip.Zone() != "" {
			return Address{}, fmt.Errorf("%w: zoned address %s", ErrInvalidAddress, ip)
		}
		raw := ip.As16()
		return NewAddress(FamilyIPv6, raw[:], ap.Port())
	default:
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, ap)
	}
}

// ParseAddress parses "host:port" where host is a literal IP, e.g.
// "192.0.2.1:5000" or "[2001:db8::1]:443".
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromAddrPort(ap)
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	address, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return address
}

// AddressFromNet converts a *net.UDPAddr or *net.TCPAddr.
func AddressFromNet(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return AddressFromAddrPort(a.AddrPort())
	case *net.TCPAddr:
		return AddressFromAddrPort(a.AddrPort())
	case nil:
		return Address{}, fmt.Errorf("%w: nil address", ErrInvalidAddress)
	default:
		return ParseAddress(addr.String())
	}
}

// Unspecified returns the wildcard address of family on port.
func Unspecified(family Family, port uint16) Address {
	return Address{family: family, port: port}
}

func (a Address) Family() Family { return a.family }
func (a Address) Port() uint16   { return a.port }
func (a Address) IsValid() bool  { return a.family.Valid() }

// Bytes returns a copy of the family-length raw address.
func (a Address) Bytes() []byte {
	raw := make([]byte, a.family.Len())
	copy(raw, a.bytes[:])
	return raw
}

// WithPort returns a with its port replaced.
func (a Address) WithPort(port uint16) Address {
	a.port = port
	return a
}

// Addr returns the IP part as a netip.Addr.
func (a Address) Addr() netip.Addr {
	switch a.family {
	case FamilyIPv4:
		return netip.AddrFrom4([4]byte(a.bytes[:4]))
	case FamilyIPv6:
		return netip.AddrFrom16(a.bytes)
	default:
		return netip.Addr{}
	}
}

func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.Addr(), a.port)
}

func (a Address) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.AddrPort())
}

func (a Address) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(a.AddrPort())
}

func (a Address) IsMulticast() bool   { return a.Addr().IsMulticast() }
func (a Address) IsUnspecified() bool { return a.IsValid() && a.Addr().IsUnspecified() }

// String formats a as family:bytes:port, for example
// "ipv4:192.0.2.1:5000" or "ipv6:[2001:db8::1]:443".
func (a Address) String() string {
	if !a.IsValid() {
		return "invalid"
	}
	return a.family.String() + ":" + a.AddrPort().String()
}

// LogValue implements slog.LogValuer.
func (a Address) LogValue() slog.Value {
	return slog.StringValue(a.String())
}
