// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

// StreamBuffer holds received stream bytes between a backend's
// delivery callback and the caller's Recv. It is a linear buffer:
// bytes are appended at filled and read from readPos, with
// readPos <= filled <= capacity. When a read drains it both cursors
// return to zero. If an append finds no room at the tail while bytes
// before readPos have been consumed, the unread bytes are shifted to
// the front first.
//
// StreamBuffer is not safe for concurrent use; the owning endpoint
// serializes access under its network context.
type StreamBuffer struct {
	data    []byte
	filled  int
	readPos int
}

// NewStreamBuffer returns an empty buffer of the given capacity.
func NewStreamBuffer(capacity int) *StreamBuffer {
	if capacity < 1 {
		panic("socket: stream buffer capacity must be positive")
	}
	return &StreamBuffer{data: make([]byte, capacity)}
}

// Append accepts as much of p as fits and returns how many bytes it
// took. Bytes it does not take remain the caller's to re-offer; the
// event backend leaves them with the raw stack as unacknowledged data.
func (b *StreamBuffer) Append(p []byte) int {
	if len(p) > len(b.data)-b.filled && b.readPos > 0 {
		b.compact()
	}
	n := copy(b.data[b.filled:], p)
	b.filled += n
	return n
}

// Read copies buffered bytes into p and consumes them.
func (b *StreamBuffer) Read(p []byte) int {
	n := copy(p, b.data[b.readPos:b.filled])
	b.readPos += n
	if b.readPos == b.filled {
		b.readPos = 0
		b.filled = 0
	}
	return n
}

func (b *StreamBuffer) compact() {
	b.filled = copy(b.data, b.data[b.readPos:b.filled])
	b.readPos = 0
}

// Buffered returns the number of unread bytes.
func (b *StreamBuffer) Buffered() int { return b.filled - b.readPos }

// Available returns how many more bytes Append can take.
func (b *StreamBuffer) Available() int { return len(b.data) - b.Buffered() }

// Cap returns the buffer's capacity.
func (b *StreamBuffer) Cap() int { return len(b.data) }

// Reset discards everything buffered.
func (b *StreamBuffer) Reset() {
	b.filled = 0
	b.readPos = 0
}
