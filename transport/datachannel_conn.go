// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/peersock/lib/clock"
)

// dataChannelReadSize fits the largest message a data channel delivers.
const dataChannelReadSize = 65536

// DataChannelConn wraps a detached pion data channel ReadWriteCloser as a
// net.Conn. SCTP handles fragmentation and reassembly, so the channel
// behaves like a TCP stream to HTTP and other stream protocols.
//
// A background goroutine reads messages off the channel; Read hands
// them out and can be woken by a deadline without losing data. Passed
// deadlines fail calls with os.ErrDeadlineExceeded until they are
// moved or cleared, as with net.Pipe. A Write already in progress is
// not interrupted. Timers run on the injected clock.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string
	clock      clock.Clock

	// messages is closed by readLoop after it sets readErr.
	messages chan []byte
	readErr  error

	readMu  sync.Mutex
	pending []byte

	readDeadline  *deadline
	writeDeadline *deadline

	closeOnce sync.Once
	closed    chan struct{}
}

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a detached pion data channel as a net.Conn.
// The labels name the two ends for LocalAddr and RemoteAddr. A nil
// clock uses the wall clock.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string, clk clock.Clock) *DataChannelConn {
	if clk == nil {
		clk = clock.Real()
	}
	c := &DataChannelConn{
		rwc:           rwc,
		localLabel:    localLabel,
		peerLabel:     peerLabel,
		clock:         clk,
		messages:      make(chan []byte),
		readDeadline:  newDeadline(clk),
		writeDeadline: newDeadline(clk),
		closed:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *DataChannelConn) readLoop() {
	defer close(c.messages)
	buffer := make([]byte, dataChannelReadSize)
	for {
		n, err := c.rwc.Read(buffer)
		if n > 0 {
			message := append([]byte(nil), buffer[:n]...)
			select {
			case c.messages <- message:
			case <-c.closed:
				c.readErr = net.ErrClosed
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	expired := c.readDeadline.wait()
	if isDone(expired) {
		return 0, os.ErrDeadlineExceeded
	}
	if len(c.pending) == 0 {
		select {
		case message, ok := <-c.messages:
			if !ok {
				return 0, c.readErr
			}
			c.pending = message
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		case <-c.closed:
			return 0, net.ErrClosed
		}
	}
	n := copy(buffer, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	if isDone(c.writeDeadline.wait()) {
		return 0, os.ErrDeadlineExceeded
	}
	if isDone(c.closed) {
		return 0, net.ErrClosed
	}
	return c.rwc.Write(buffer)
}

func (c *DataChannelConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		c.readDeadline.set(time.Time{})
		c.writeDeadline.set(time.Time{})
		err = c.rwc.Close()
	})
	return err
}

func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

// SetDeadline sets both deadlines. A zero value clears them.
func (c *DataChannelConn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

// deadline is a resettable expiry signal: the channel from wait is
// closed while the deadline has passed and replaced when it moves.
type deadline struct {
	clock clock.Clock

	mu      sync.Mutex
	timer   *clock.Timer
	expired chan struct{}
}

func newDeadline(clk clock.Clock) *deadline {
	return &deadline{clock: clk, expired: make(chan struct{})}
}

// set arms the deadline at t. A zero t clears it.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		// The timer fired or is firing; wait until it closed expired.
		<-d.expired
	}
	d.timer = nil

	if isDone(d.expired) {
		d.expired = make(chan struct{})
	}
	if t.IsZero() {
		return
	}
	remaining := t.Sub(d.clock.Now())
	if remaining <= 0 {
		close(d.expired)
		return
	}
	expired := d.expired
	d.timer = d.clock.AfterFunc(remaining, func() { close(expired) })
}

func (d *deadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

func isDone(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
