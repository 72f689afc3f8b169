// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sockconn

import (
	"sync"
	"time"

	"github.com/bureau-foundation/peersock/socket"
)

type fakeDatagram struct {
	payload []byte
	source  socket.Address
}

// fakeUDP is a UDP endpoint whose queue and backpressure the test
// controls directly.
type fakeUDP struct {
	mu       sync.Mutex
	inbound  []fakeDatagram
	sent     []fakeDatagram
	refuse   int
	recvErr  error
	closed   bool
	local    socket.Address
	stats    socket.Stats
	closeErr error
}

func (f *fakeUDP) deliver(payload string, source socket.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, fakeDatagram{payload: []byte(payload), source: source})
}

func (f *fakeUDP) Open(socket.Family, uint16) (uint16, error) { return f.local.Port(), nil }

func (f *fakeUDP) SendTo(address socket.Address, payload []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &socket.OpError{Op: "send", Err: socket.ErrClosed}
	}
	if f.refuse > 0 {
		f.refuse--
		return 0, nil
	}
	f.sent = append(f.sent, fakeDatagram{payload: append([]byte(nil), payload...), source: address})
	return len(payload), nil
}

func (f *fakeUDP) RecvFrom(buffer []byte) (int, socket.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, socket.Address{}, &socket.OpError{Op: "recv", Err: socket.ErrClosed}
	}
	if f.recvErr != nil {
		return 0, socket.Address{}, f.recvErr
	}
	if len(f.inbound) == 0 || len(buffer) == 0 {
		return 0, socket.Address{}, nil
	}
	datagram := f.inbound[0]
	f.inbound = f.inbound[1:]
	return copy(buffer, datagram.payload), datagram.source, nil
}

func (f *fakeUDP) JoinMulticastGroup(socket.Address) error { return nil }
func (f *fakeUDP) LocalAddress() socket.Address            { return f.local }
func (f *fakeUDP) Stats() socket.Stats                     { return f.stats }

func (f *fakeUDP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeUDP) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeTCP hands out scripted Recv results and accepts at most window
// bytes per Send. The first stalls Sends report backpressure.
type fakeTCP struct {
	mu      sync.Mutex
	reads   []string
	readErr error
	window  int
	stalls  int
	written []byte
	closed  bool
	connect func(socket.Address, time.Duration) error
	local   socket.Address
	remote  socket.Address
	family  socket.Family
}

func (f *fakeTCP) Open(family socket.Family) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.family = family
	return nil
}

func (f *fakeTCP) Connect(address socket.Address, timeout time.Duration) error {
	f.mu.Lock()
	f.remote = address
	connect := f.connect
	f.mu.Unlock()
	if connect != nil {
		return connect(address, timeout)
	}
	return nil
}

func (f *fakeTCP) Send(payload []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &socket.OpError{Op: "send", Err: socket.ErrClosed}
	}
	if f.stalls > 0 {
		f.stalls--
		return 0, nil
	}
	n := len(payload)
	if f.window > 0 {
		n = min(n, f.window)
	}
	f.written = append(f.written, payload[:n]...)
	return n, nil
}

func (f *fakeTCP) Recv(buffer []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &socket.OpError{Op: "recv", Err: socket.ErrClosed}
	}
	if len(f.reads) > 0 {
		n := copy(buffer, f.reads[0])
		if n < len(f.reads[0]) {
			f.reads[0] = f.reads[0][n:]
		} else {
			f.reads = f.reads[1:]
		}
		return n, nil
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	return 0, nil
}

func (f *fakeTCP) State() socket.State           { return socket.StateConnected }
func (f *fakeTCP) LocalAddress() socket.Address  { return f.local }
func (f *fakeTCP) RemoteAddress() socket.Address { return f.remote }

func (f *fakeTCP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTCP) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBackend struct {
	mu  sync.Mutex
	tcp []*fakeTCP
	// template configures each new TCP endpoint.
	template func(*fakeTCP)
}

func (b *fakeBackend) Name() string               { return "fake" }
func (b *fakeBackend) NewUDP() socket.UDPEndpoint { return &fakeUDP{} }

func (b *fakeBackend) NewTCP() socket.TCPEndpoint {
	endpoint := &fakeTCP{}
	if b.template != nil {
		b.template(endpoint)
	}
	b.mu.Lock()
	b.tcp = append(b.tcp, endpoint)
	b.mu.Unlock()
	return endpoint
}

func (b *fakeBackend) last() *fakeTCP {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tcp[len(b.tcp)-1]
}
