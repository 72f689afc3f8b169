// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/peersock/lib/clock"
	"github.com/bureau-foundation/peersock/lib/logging"
	"github.com/bureau-foundation/peersock/lib/testutil"
	"github.com/bureau-foundation/peersock/socket"
)

const interval = 10 * time.Millisecond

var (
	epoch  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source = socket.MustParseAddress("192.0.2.7:4000")
)

func fakeOptions(clk clock.Clock) socket.Options {
	return socket.Options{Clock: clk, PollInterval: interval, Logger: logging.Discard()}
}

type readResult struct {
	n       int
	address net.Addr
	err     error
}

func TestPacketConnReadReturnsQueuedDatagram(t *testing.T) {
	endpoint := &fakeUDP{local: socket.MustParseAddress("0.0.0.0:5000")}
	endpoint.deliver("hello", source)
	conn := NewPacketConn(endpoint, fakeOptions(clock.Fake(epoch)))

	buffer := make([]byte, 16)
	n, address, err := conn.ReadFrom(buffer)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buffer[:n]) != "hello" {
		t.Errorf("payload = %q, want %q", buffer[:n], "hello")
	}
	udpAddress, ok := address.(*net.UDPAddr)
	if !ok {
		t.Fatalf("address type = %T, want *net.UDPAddr", address)
	}
	if udpAddress.AddrPort() != source.AddrPort() {
		t.Errorf("address = %v, want %v", udpAddress, source.AddrPort())
	}
	if conn.LocalAddr().String() != "0.0.0.0:5000" {
		t.Errorf("LocalAddr = %v, want 0.0.0.0:5000", conn.LocalAddr())
	}
}

func TestPacketConnReadWaitsForData(t *testing.T) {
	fake := clock.Fake(epoch)
	endpoint := &fakeUDP{}
	conn := NewPacketConn(endpoint, fakeOptions(fake))

	results := make(chan readResult, 1)
	go func() {
		buffer := make([]byte, 16)
		n, address, err := conn.ReadFrom(buffer)
		results <- readResult{n: n, address: address, err: err}
	}()

	fake.WaitForTimers(1)
	endpoint.deliver("late", source)
	fake.Advance(interval)

	result := testutil.RequireReceive(t, results, 5*time.Second, "ReadFrom did not return")
	if result.err != nil {
		t.Fatalf("ReadFrom: %v", result.err)
	}
	if result.n != 4 {
		t.Errorf("n = %d, want 4", result.n)
	}
}

func TestPacketConnEmptyBufferReturnsImmediately(t *testing.T) {
	fake := clock.Fake(epoch)
	endpoint := &fakeUDP{}
	endpoint.deliver("kept", source)
	conn := NewPacketConn(endpoint, fakeOptions(fake))

	n, address, err := conn.ReadFrom(nil)
	if n != 0 || address != nil || err != nil {
		t.Fatalf("ReadFrom(nil) = (%d, %v, %v), want (0, nil, nil)", n, address, err)
	}
	if fake.PendingCount() != 0 {
		t.Errorf("pending timers = %d, want 0", fake.PendingCount())
	}

	buffer := make([]byte, 16)
	n, _, err = conn.ReadFrom(buffer)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buffer[:n]) != "kept" {
		t.Errorf("payload = %q, want %q", buffer[:n], "kept")
	}
}

func TestPacketConnReadDeadline(t *testing.T) {
	fake := clock.Fake(epoch)
	conn := NewPacketConn(&fakeUDP{}, fakeOptions(fake))
	conn.SetReadDeadline(epoch.Add(25 * time.Millisecond))

	results := make(chan readResult, 1)
	go func() {
		n, address, err := conn.ReadFrom(make([]byte, 16))
		results <- readResult{n: n, address: address, err: err}
	}()

	for range 3 {
		fake.WaitForTimers(1)
		fake.Advance(interval)
	}

	result := testutil.RequireReceive(t, results, 5*time.Second, "ReadFrom ignored its deadline")
	if !errors.Is(result.err, os.ErrDeadlineExceeded) {
		t.Fatalf("err = %v, want os.ErrDeadlineExceeded", result.err)
	}
	var netErr net.Error
	if !errors.As(result.err, &netErr) || !netErr.Timeout() {
		t.Errorf("err = %v, want a net.Error reporting Timeout", result.err)
	}
}

func TestPacketConnExpiredDeadlineFailsFast(t *testing.T) {
	fake := clock.Fake(epoch)
	conn := NewPacketConn(&fakeUDP{}, fakeOptions(fake))
	conn.SetDeadline(epoch)

	if _, _, err := conn.ReadFrom(make([]byte, 16)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("ReadFrom err = %v, want os.ErrDeadlineExceeded", err)
	}
	if fake.PendingCount() != 0 {
		t.Errorf("pending timers = %d, want 0", fake.PendingCount())
	}
}

func TestPacketConnCloseWakesReader(t *testing.T) {
	fake := clock.Fake(epoch)
	endpoint := &fakeUDP{}
	conn := NewPacketConn(endpoint, fakeOptions(fake))

	results := make(chan readResult, 1)
	go func() {
		n, address, err := conn.ReadFrom(make([]byte, 16))
		results <- readResult{n: n, address: address, err: err}
	}()

	fake.WaitForTimers(1)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	result := testutil.RequireReceive(t, results, 5*time.Second, "Close did not wake ReadFrom")
	if !errors.Is(result.err, net.ErrClosed) {
		t.Errorf("err = %v, want net.ErrClosed", result.err)
	}
	if !endpoint.isClosed() {
		t.Error("endpoint not closed")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPacketConnWriteRetriesBackpressure(t *testing.T) {
	fake := clock.Fake(epoch)
	endpoint := &fakeUDP{refuse: 2}
	conn := NewPacketConn(endpoint, fakeOptions(fake))

	type writeResult struct {
		n   int
		err error
	}
	results := make(chan writeResult, 1)
	go func() {
		n, err := conn.WriteTo([]byte("ping"), source.UDPAddr())
		results <- writeResult{n: n, err: err}
	}()

	for range 2 {
		fake.WaitForTimers(1)
		fake.Advance(interval)
	}

	result := testutil.RequireReceive(t, results, 5*time.Second, "WriteTo did not return")
	if result.err != nil || result.n != 4 {
		t.Fatalf("WriteTo = (%d, %v), want (4, nil)", result.n, result.err)
	}
	if len(endpoint.sent) != 1 || endpoint.sent[0].source != source {
		t.Errorf("sent = %+v, want one datagram to %v", endpoint.sent, source)
	}
}

func TestPacketConnWriteRejectsUnknownAddress(t *testing.T) {
	conn := NewPacketConn(&fakeUDP{}, fakeOptions(clock.Fake(epoch)))
	_, err := conn.WriteTo([]byte("x"), &net.UnixAddr{Name: "/tmp/x", Net: "unixgram"})
	if !errors.Is(err, socket.ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestPacketConnTranslatesClosedEndpoint(t *testing.T) {
	endpoint := &fakeUDP{}
	endpoint.Close()
	conn := NewPacketConn(endpoint, fakeOptions(clock.Fake(epoch)))

	if _, _, err := conn.ReadFrom(make([]byte, 4)); !errors.Is(err, net.ErrClosed) {
		t.Errorf("ReadFrom err = %v, want net.ErrClosed", err)
	}
	if _, err := conn.WriteTo([]byte("x"), source.UDPAddr()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("WriteTo err = %v, want net.ErrClosed", err)
	}
}

func TestPacketConnStats(t *testing.T) {
	endpoint := &fakeUDP{stats: socket.Stats{Queued: 2, Dropped: 5}}
	conn := NewPacketConn(endpoint, fakeOptions(clock.Fake(epoch)))
	if got := conn.Stats(); got != endpoint.stats {
		t.Errorf("Stats = %+v, want %+v", got, endpoint.stats)
	}
}

func TestStreamConnReadsUntilRemoteClose(t *testing.T) {
	endpoint := &fakeTCP{
		reads:   []string{"abc", "def"},
		readErr: &socket.OpError{Op: "recv", Err: socket.ErrPeer, Cause: io.EOF},
	}
	conn := NewStreamConn(endpoint, fakeOptions(clock.Fake(epoch)))

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "abcdef" {
		t.Errorf("data = %q, want %q", data, "abcdef")
	}
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read after EOF = %v, want io.EOF", err)
	}
}

func TestStreamConnResetIsNotEOF(t *testing.T) {
	endpoint := &fakeTCP{
		readErr: &socket.OpError{Op: "recv", Err: socket.ErrPeer, Cause: syscall.ECONNRESET},
	}
	conn := NewStreamConn(endpoint, fakeOptions(clock.Fake(epoch)))

	_, err := conn.Read(make([]byte, 8))
	if err == io.EOF {
		t.Fatal("reset reported as io.EOF")
	}
	if !errors.Is(err, socket.ErrPeer) || !errors.Is(err, syscall.ECONNRESET) {
		t.Errorf("err = %v, want ErrPeer wrapping ECONNRESET", err)
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Op != "read" {
		t.Errorf("err = %v, want *net.OpError for read", err)
	}
}

func TestStreamConnWriteWaitsThroughBackpressure(t *testing.T) {
	fake := clock.Fake(epoch)
	endpoint := &fakeTCP{window: 3, stalls: 1}
	conn := NewStreamConn(endpoint, fakeOptions(fake))

	type writeResult struct {
		n   int
		err error
	}
	results := make(chan writeResult, 1)
	go func() {
		n, err := conn.Write([]byte("0123456789"))
		results <- writeResult{n: n, err: err}
	}()

	fake.WaitForTimers(1)
	fake.Advance(interval)

	result := testutil.RequireReceive(t, results, 5*time.Second, "Write did not return")
	if result.err != nil || result.n != 10 {
		t.Fatalf("Write = (%d, %v), want (10, nil)", result.n, result.err)
	}
	if string(endpoint.written) != "0123456789" {
		t.Errorf("written = %q", endpoint.written)
	}
}

func TestStreamConnWriteDeadlineReportsPartialCount(t *testing.T) {
	fake := clock.Fake(epoch)
	endpoint := &fakeTCP{window: 4}
	conn := NewStreamConn(endpoint, fakeOptions(fake))
	conn.SetWriteDeadline(epoch)

	// An expired deadline does not matter while the endpoint accepts.
	n, err := conn.Write([]byte("abcd"))
	if err != nil || n != 4 {
		t.Fatalf("Write = (%d, %v), want (4, nil)", n, err)
	}

	endpoint.mu.Lock()
	endpoint.stalls = 100
	endpoint.mu.Unlock()
	n, err = conn.Write([]byte("efgh"))
	if n != 0 || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Write = (%d, %v), want (0, deadline exceeded)", n, err)
	}
}

func TestStreamConnCloseIsIdempotent(t *testing.T) {
	endpoint := &fakeTCP{}
	conn := NewStreamConn(endpoint, fakeOptions(clock.Fake(epoch)))
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !endpoint.isClosed() {
		t.Error("endpoint not closed")
	}
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Read after Close = %v, want net.ErrClosed", err)
	}
	if _, err := conn.Write([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write after Close = %v, want net.ErrClosed", err)
	}
}

func TestDialerConnects(t *testing.T) {
	backend := &fakeBackend{}
	dialer := &Dialer{Backend: backend, Options: fakeOptions(clock.Fake(epoch)), Timeout: time.Second}

	conn, err := dialer.DialContext(context.Background(), "192.0.2.9:80")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	endpoint := backend.last()
	if endpoint.family != socket.FamilyIPv4 {
		t.Errorf("family = %v, want ipv4", endpoint.family)
	}
	if endpoint.remote != socket.MustParseAddress("192.0.2.9:80") {
		t.Errorf("remote = %v", endpoint.remote)
	}
	if conn.RemoteAddr().String() != "192.0.2.9:80" {
		t.Errorf("RemoteAddr = %v", conn.RemoteAddr())
	}
}

func TestDialerPassesTimeout(t *testing.T) {
	var got time.Duration
	backend := &fakeBackend{template: func(endpoint *fakeTCP) {
		endpoint.connect = func(_ socket.Address, timeout time.Duration) error {
			got = timeout
			return nil
		}
	}}
	dialer := &Dialer{Backend: backend, Options: fakeOptions(clock.Fake(epoch))}
	conn, err := dialer.DialContext(context.Background(), "[2001:db8::1]:443")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()
	if got != socket.DefaultConnectTimeout {
		t.Errorf("timeout = %v, want %v", got, socket.DefaultConnectTimeout)
	}
	if backend.last().family != socket.FamilyIPv6 {
		t.Errorf("family = %v, want ipv6", backend.last().family)
	}
}

func TestDialerConnectFailureClosesEndpoint(t *testing.T) {
	backend := &fakeBackend{template: func(endpoint *fakeTCP) {
		endpoint.connect = func(socket.Address, time.Duration) error {
			return &socket.OpError{Op: "connect", Err: socket.ErrConnect, Cause: syscall.ECONNREFUSED}
		}
	}}
	dialer := &Dialer{Backend: backend, Options: fakeOptions(clock.Fake(epoch))}

	_, err := dialer.DialContext(context.Background(), "192.0.2.9:81")
	if !errors.Is(err, socket.ErrConnect) || !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("err = %v, want ErrConnect wrapping ECONNREFUSED", err)
	}
	if !backend.last().isClosed() {
		t.Error("endpoint left open after failed connect")
	}
}

func TestDialerCancelClosesEndpoint(t *testing.T) {
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.template = func(endpoint *fakeTCP) {
		endpoint.connect = func(socket.Address, time.Duration) error {
			close(started)
			for !endpoint.isClosed() {
				time.Sleep(time.Millisecond)
			}
			return &socket.OpError{Op: "connect", Err: socket.ErrClosed}
		}
	}
	dialer := &Dialer{Backend: backend, Options: fakeOptions(clock.Fake(epoch))}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := dialer.DialContext(ctx, "192.0.2.9:80")
		errs <- err
	}()

	testutil.RequireClosed(t, started, 5*time.Second, "connect never started")
	cancel()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "DialContext ignored cancellation")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDialerRejectsNetworks(t *testing.T) {
	dialer := &Dialer{Backend: &fakeBackend{}, Options: fakeOptions(clock.Fake(epoch))}
	tests := []struct {
		network string
		address string
	}{
		{"udp", "192.0.2.1:53"},
		{"tcp4", "[2001:db8::1]:80"},
		{"tcp6", "192.0.2.1:80"},
		{"tcp", "192.0.2.1"},
		{"tcp", "192.0.2.1:http2"},
	}
	for _, test := range tests {
		if _, err := dialer.Dial(context.Background(), test.network, test.address); err == nil {
			t.Errorf("Dial(%q, %q) succeeded", test.network, test.address)
		}
	}
}
