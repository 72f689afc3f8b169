// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sockettest holds the behavior every socket backend must
// share, written as test suites a backend's own tests run against
// peers they set up.
package sockettest

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/peersock/lib/testutil"
	"github.com/bureau-foundation/peersock/socket"
)

// Harness is a backend under test and the peers it can reach.
type Harness struct {
	Backend socket.Backend
	Family  socket.Family

	// MaxDatagramSize is the backend's configured limit. Zero means
	// socket.DefaultMaxDatagramSize.
	MaxDatagramSize int

	// UDPEcho sends every datagram back to its sender.
	UDPEcho socket.Address

	// TCPEcho accepts connections and writes back what it reads.
	TCPEcho socket.Address

	// TCPGreeter accepts connections, writes Greeting, and closes its
	// side.
	TCPGreeter socket.Address
	Greeting   []byte

	// TCPRefused has no listener.
	TCPRefused socket.Address

	// MulticastGroup, when valid, is joined by the multicast cases.
	MulticastGroup socket.Address

	// Timeout bounds every wait. Zero means five seconds.
	Timeout time.Duration
}

func (h Harness) timeout() time.Duration {
	if h.Timeout == 0 {
		return 5 * time.Second
	}
	return h.Timeout
}

func (h Harness) maxDatagramSize() int {
	if h.MaxDatagramSize == 0 {
		return socket.DefaultMaxDatagramSize
	}
	return h.MaxDatagramSize
}

func requireKind(t *testing.T, err, kind error, what string) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("%s: got error %v, want %v", what, err, kind)
	}
}

func openUDP(t *testing.T, h Harness) socket.UDPEndpoint {
	t.Helper()
	endpoint := h.Backend.NewUDP()
	if _, err := endpoint.Open(h.Family, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { endpoint.Close() })
	return endpoint
}

// receive polls RecvFrom until a datagram arrives.
func receive(t *testing.T, h Harness, endpoint socket.UDPEndpoint, buf []byte) (int, socket.Address) {
	t.Helper()
	var (
		n      int
		source socket.Address
	)
	testutil.Eventually(t, h.timeout(), func() bool {
		var err error
		n, source, err = endpoint.RecvFrom(buf)
		if err != nil {
			t.Fatalf("RecvFrom: %v", err)
		}
		return n > 0
	}, "no datagram arrived")
	return n, source
}

// RunUDP runs the UDP endpoint suite.
func RunUDP(t *testing.T, h Harness) {
	t.Run("OpenReportsPort", func(t *testing.T) {
		endpoint := h.Backend.NewUDP()
		defer endpoint.Close()
		if local := endpoint.LocalAddress(); local.IsValid() {
			t.Fatalf("LocalAddress before Open = %v, want the zero address", local)
		}
		port, err := endpoint.Open(h.Family, 0)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if port == 0 {
			t.Fatal("Open returned port 0")
		}
		if local := endpoint.LocalAddress(); local.Port() != port || local.Family() != h.Family {
			t.Fatalf("LocalAddress = %v, want %v port %d", local, h.Family, port)
		}
		_, err = endpoint.Open(h.Family, 0)
		requireKind(t, err, socket.ErrAlreadyOpen, "second Open")
	})

	t.Run("OpenRejectsUnknownFamily", func(t *testing.T) {
		endpoint := h.Backend.NewUDP()
		defer endpoint.Close()
		_, err := endpoint.Open(socket.Family(0), 0)
		requireKind(t, err, socket.ErrInvalidAddress, "Open")
	})

	t.Run("RecvFromEmpty", func(t *testing.T) {
		endpoint := openUDP(t, h)
		n, source, err := endpoint.RecvFrom(make([]byte, 64))
		if n != 0 || source.IsValid() || err != nil {
			t.Fatalf("RecvFrom on empty queue = (%d, %v, %v), want (0, invalid, nil)", n, source, err)
		}
	})

	t.Run("EchoRoundTrip", func(t *testing.T) {
		endpoint := openUDP(t, h)
		n, err := endpoint.SendTo(h.UDPEcho, []byte("ping"))
		if err != nil || n != 4 {
			t.Fatalf("SendTo = (%d, %v), want (4, nil)", n, err)
		}
		buf := make([]byte, 64)
		n, source := receive(t, h, endpoint, buf)
		if string(buf[:n]) != "ping" {
			t.Fatalf("received %q, want %q", buf[:n], "ping")
		}
		if source != h.UDPEcho {
			t.Fatalf("source = %v, want %v", source, h.UDPEcho)
		}
	})

	t.Run("ShortBufferTruncates", func(t *testing.T) {
		endpoint := openUDP(t, h)
		if _, err := endpoint.SendTo(h.UDPEcho, []byte("abcdefgh")); err != nil {
			t.Fatalf("SendTo: %v", err)
		}
		buf := make([]byte, 3)
		n, _ := receive(t, h, endpoint, buf)
		if string(buf[:n]) != "abc" {
			t.Fatalf("received %q, want %q", buf[:n], "abc")
		}
		if n, _, err := endpoint.RecvFrom(make([]byte, 64)); n != 0 || err != nil {
			t.Fatalf("RecvFrom after truncation = (%d, %v), want the rest discarded", n, err)
		}
	})

	t.Run("OversizedSendRejected", func(t *testing.T) {
		endpoint := openUDP(t, h)
		payload := bytes.Repeat([]byte{'x'}, h.maxDatagramSize()+1)
		n, err := endpoint.SendTo(h.UDPEcho, payload)
		if n != 0 {
			t.Fatalf("SendTo returned %d for an oversized datagram", n)
		}
		requireKind(t, err, socket.ErrDatagramTooLarge, "SendTo")
	})

	t.Run("JoinMulticastGroup", func(t *testing.T) {
		endpoint := openUDP(t, h)
		err := endpoint.JoinMulticastGroup(h.UDPEcho)
		requireKind(t, err, socket.ErrInvalidAddress, "joining a unicast address")
		if !h.MulticastGroup.IsValid() {
			t.Skip("harness has no multicast group")
		}
		if err := endpoint.JoinMulticastGroup(h.MulticastGroup); err != nil {
			t.Fatalf("JoinMulticastGroup: %v", err)
		}
		if err := endpoint.JoinMulticastGroup(h.MulticastGroup); err != nil {
			t.Fatalf("second JoinMulticastGroup: %v", err)
		}
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		endpoint := h.Backend.NewUDP()
		if _, err := endpoint.Open(h.Family, 0); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := endpoint.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := endpoint.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
		_, err := endpoint.SendTo(h.UDPEcho, []byte("x"))
		requireKind(t, err, socket.ErrClosed, "SendTo after Close")
		_, _, err = endpoint.RecvFrom(make([]byte, 8))
		requireKind(t, err, socket.ErrClosed, "RecvFrom after Close")
		_, err = endpoint.Open(h.Family, 0)
		requireKind(t, err, socket.ErrClosed, "Open after Close")
	})

	t.Run("CloseWithoutOpen", func(t *testing.T) {
		endpoint := h.Backend.NewUDP()
		if err := endpoint.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})
}

func openTCP(t *testing.T, h Harness) socket.TCPEndpoint {
	t.Helper()
	endpoint := h.Backend.NewTCP()
	if err := endpoint.Open(h.Family); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { endpoint.Close() })
	return endpoint
}

func connectTCP(t *testing.T, h Harness, address socket.Address) socket.TCPEndpoint {
	t.Helper()
	endpoint := openTCP(t, h)
	if err := endpoint.Connect(address, h.timeout()); err != nil {
		t.Fatalf("Connect(%v): %v", address, err)
	}
	if state := endpoint.State(); state != socket.StateConnected {
		t.Fatalf("State after Connect = %v, want %v", state, socket.StateConnected)
	}
	return endpoint
}

// SendAll sends payload, retrying through backpressure.
func SendAll(t *testing.T, endpoint socket.TCPEndpoint, payload []byte, timeout time.Duration) {
	t.Helper()
	testutil.Eventually(t, timeout, func() bool {
		n, err := endpoint.Send(payload)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		payload = payload[n:]
		return len(payload) == 0
	}, "send did not complete")
}

// ReadFull receives exactly want bytes.
func ReadFull(t *testing.T, endpoint socket.TCPEndpoint, want int, timeout time.Duration) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 512)
	testutil.Eventually(t, timeout, func() bool {
		n, err := endpoint.Recv(buf)
		if err != nil {
			t.Fatalf("Recv after %d of %d bytes: %v", len(got), want, err)
		}
		got = append(got, buf[:n]...)
		return len(got) >= want
	}, "stream did not deliver")
	return got
}

// RunTCP runs the TCP endpoint suite.
func RunTCP(t *testing.T, h Harness) {
	t.Run("OpenTwice", func(t *testing.T) {
		endpoint := openTCP(t, h)
		if state := endpoint.State(); state != socket.StateOpen {
			t.Fatalf("State after Open = %v, want %v", state, socket.StateOpen)
		}
		requireKind(t, endpoint.Open(h.Family), socket.ErrAlreadyOpen, "second Open")
	})

	t.Run("SendBeforeConnect", func(t *testing.T) {
		endpoint := openTCP(t, h)
		_, err := endpoint.Send([]byte("x"))
		requireKind(t, err, socket.ErrNotConnected, "Send")
		_, err = endpoint.Recv(make([]byte, 8))
		requireKind(t, err, socket.ErrNotConnected, "Recv")
	})

	t.Run("ConnectRejectsInvalidAddress", func(t *testing.T) {
		endpoint := openTCP(t, h)
		requireKind(t, endpoint.Connect(socket.Address{}, time.Second), socket.ErrInvalidAddress, "Connect")
		if state := endpoint.State(); state != socket.StateOpen {
			t.Fatalf("State = %v, want %v", state, socket.StateOpen)
		}
	})

	t.Run("EchoRoundTrip", func(t *testing.T) {
		endpoint := connectTCP(t, h, h.TCPEcho)
		if remote := endpoint.RemoteAddress(); remote != h.TCPEcho {
			t.Fatalf("RemoteAddress = %v, want %v", remote, h.TCPEcho)
		}
		if local := endpoint.LocalAddress(); !local.IsValid() || local.Port() == 0 {
			t.Fatalf("LocalAddress = %v, want a bound address", local)
		}
		payload := bytes.Repeat([]byte("0123456789"), 700)
		SendAll(t, endpoint, payload, h.timeout())
		got := ReadFull(t, endpoint, len(payload), h.timeout())
		if !bytes.Equal(got, payload) {
			t.Fatalf("echo returned %d bytes that differ from the %d sent", len(got), len(payload))
		}
	})

	t.Run("RemoteCloseAfterData", func(t *testing.T) {
		endpoint := connectTCP(t, h, h.TCPGreeter)
		got := ReadFull(t, endpoint, len(h.Greeting), h.timeout())
		if !bytes.Equal(got, h.Greeting) {
			t.Fatalf("greeting = %q, want %q", got, h.Greeting)
		}
		var err error
		testutil.Eventually(t, h.timeout(), func() bool {
			_, err = endpoint.Recv(make([]byte, 8))
			return err != nil
		}, "remote close was never reported")
		if !socket.IsRemoteClose(err) {
			t.Fatalf("Recv after remote close: %v, want an orderly close", err)
		}
		if _, again := endpoint.Recv(make([]byte, 8)); !errors.Is(again, socket.ErrPeer) {
			t.Fatalf("second Recv after remote close: %v, want the latched error", again)
		}
		if state := endpoint.State(); state != socket.StateErrored {
			t.Fatalf("State = %v, want %v", state, socket.StateErrored)
		}
	})

	t.Run("ConnectRefused", func(t *testing.T) {
		endpoint := openTCP(t, h)
		err := endpoint.Connect(h.TCPRefused, h.timeout())
		requireKind(t, err, socket.ErrConnect, "Connect")
		if state := endpoint.State(); state != socket.StateErrored {
			t.Fatalf("State = %v, want %v", state, socket.StateErrored)
		}
		_, err = endpoint.Send([]byte("x"))
		requireKind(t, err, socket.ErrConnect, "Send after failed Connect")
		requireKind(t, endpoint.Connect(h.TCPEcho, h.timeout()), socket.ErrConnect, "Connect after failure")
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		endpoint := h.Backend.NewTCP()
		if err := endpoint.Open(h.Family); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := endpoint.Connect(h.TCPEcho, h.timeout()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := endpoint.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := endpoint.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
		if state := endpoint.State(); state != socket.StateClosed {
			t.Fatalf("State after Close = %v, want %v", state, socket.StateClosed)
		}
		_, err := endpoint.Send([]byte("x"))
		requireKind(t, err, socket.ErrClosed, "Send after Close")
		_, err = endpoint.Recv(make([]byte, 8))
		requireKind(t, err, socket.ErrClosed, "Recv after Close")
	})

	t.Run("CloseWithoutOpen", func(t *testing.T) {
		endpoint := h.Backend.NewTCP()
		if err := endpoint.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if state := endpoint.State(); state != socket.StateClosed {
			t.Fatalf("State = %v, want %v", state, socket.StateClosed)
		}
	})
}
