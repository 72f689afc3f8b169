// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import "fmt"

// Buffer is a packet buffer from the stack's fixed pool. Allocate one,
// fill it, hand it to UDPPCB.SendTo, then Free it. A buffer must be
// freed with the lock held.
type Buffer struct {
	stack *Stack
	data  []byte
	freed bool
}

// AllocBuffer takes a buffer of n bytes from the pool. It fails with
// ErrMem when the pool is empty or n exceeds the configured buffer
// size. The caller must hold the lock.
func (s *Stack) AllocBuffer(n int) (*Buffer, error) {
	if n < 0 || n > s.config.BufferSize {
		s.stats.BufferExhausted++
		return nil, fmt.Errorf("%w: buffer of %d bytes exceeds %d", ErrMem, n, s.config.BufferSize)
	}
	if s.buffers == 0 {
		s.stats.BufferExhausted++
		return nil, fmt.Errorf("%w: packet buffer pool empty", ErrMem)
	}
	s.buffers--
	return &Buffer{stack: s, data: make([]byte, n)}, nil
}

// FreeBuffers returns how many pool buffers are available.
func (s *Stack) FreeBuffers() int { return s.buffers }

// Bytes returns the buffer's payload for filling.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the payload length.
func (b *Buffer) Len() int { return len(b.data) }

// Free returns the buffer to the pool. Freeing twice is a no-op.
func (b *Buffer) Free() {
	if b.freed {
		return
	}
	b.freed = true
	b.data = nil
	b.stack.buffers++
}
