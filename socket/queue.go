// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"fmt"
	"sync/atomic"
)

// OverflowPolicy decides which datagram a full DatagramQueue gives up.
type OverflowPolicy uint8

const (
	// DropNewest rejects the arriving datagram and keeps the queue
	// as it was. This is the default.
	DropNewest OverflowPolicy = iota

	// DropOldest evicts the head of the queue to make room for the
	// arriving datagram. It moves the read index from the producer
	// side, so producer and consumer must both run under the owning
	// backend's network context.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("overflow(%d)", uint8(p))
	}
}

// ParseOverflowPolicy accepts "drop-newest" or "drop-oldest". The
// empty string means DropNewest.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch name {
	case "", "drop-newest":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q (want drop-newest or drop-oldest)", name)
	}
}

// Datagram is one received datagram and its sender.
type Datagram struct {
	Payload []byte
	Source  Address
}

// DatagramQueue is a fixed-capacity ring of received datagrams. The
// producer (a backend receive path) calls Push; the consumer (the
// endpoint's RecvFrom) calls Pop or PopInto. With DropNewest the two
// sides may run on different goroutines without a lock: each index is
// written by one side only.
//
// Storage for every slot is allocated up front, so Push never
// allocates.
type DatagramQueue struct {
	slots   []datagramSlot
	maxSize int
	policy  OverflowPolicy

	// read is advanced by the consumer, write by the producer. The
	// queue is full when (write+1) % len(slots) == read, so one slot
	// is always empty and a queue of capacity N has N+1 slots.
	read    atomic.Uint32
	write   atomic.Uint32
	dropped atomic.Uint64
}

type datagramSlot struct {
	buffer []byte
	length int
	source Address
}

// NewDatagramQueue returns a queue holding up to capacity datagrams of
// at most maxSize bytes each. Longer payloads are truncated on Push.
func NewDatagramQueue(capacity, maxSize int, policy OverflowPolicy) *DatagramQueue {
	if capacity < 1 {
		panic("socket: datagram queue capacity must be positive")
	}
	if maxSize < 1 {
		panic("socket: datagram size must be positive")
	}
	backing := make([]byte, (capacity+1)*maxSize)
	slots := make([]datagramSlot, capacity+1)
	for i := range slots {
		slots[i].buffer = backing[i*maxSize : (i+1)*maxSize : (i+1)*maxSize]
	}
	return &DatagramQueue{slots: slots, maxSize: maxSize, policy: policy}
}

func (q *DatagramQueue) next(index uint32) uint32 {
	return (index + 1) % uint32(len(q.slots))
}

// Push copies payload into the queue. It returns false, leaving the
// queue untouched, when the queue is full and the policy is
// DropNewest. Under DropOldest a full queue loses its head instead and
// Push returns true. Either way the loss is counted in Dropped.
func (q *DatagramQueue) Push(payload []byte, source Address) bool {
	write := q.write.Load()
	following := q.next(write)
	if following == q.read.Load() {
		q.dropped.Add(1)
		if q.policy != DropOldest {
			return false
		}
		q.read.Store(q.next(q.read.Load()))
	}

	slot := &q.slots[write]
	slot.length = copy(slot.buffer, payload)
	slot.source = source
	q.write.Store(following)
	return true
}

// Pop removes and returns the oldest datagram. The payload is a fresh
// copy.
func (q *DatagramQueue) Pop() (Datagram, bool) {
	read := q.read.Load()
	if read == q.write.Load() {
		return Datagram{}, false
	}
	slot := &q.slots[read]
	datagram := Datagram{
		Payload: append([]byte(nil), slot.buffer[:slot.length]...),
		Source:  slot.source,
	}
	q.read.Store(q.next(read))
	return datagram, true
}

// PopInto removes the oldest datagram, copying as much of it as fits
// into buf. The rest of the datagram is discarded.
func (q *DatagramQueue) PopInto(buf []byte) (n int, source Address, ok bool) {
	read := q.read.Load()
	if read == q.write.Load() {
		return 0, Address{}, false
	}
	slot := &q.slots[read]
	n = copy(buf, slot.buffer[:slot.length])
	source = slot.source
	q.read.Store(q.next(read))
	return n, source, true
}

// Len returns the number of queued datagrams.
func (q *DatagramQueue) Len() int {
	slots := uint32(len(q.slots))
	return int((q.write.Load() + slots - q.read.Load()) % slots)
}

// Cap returns the number of datagrams the queue can hold.
func (q *DatagramQueue) Cap() int { return len(q.slots) - 1 }

// MaxSize returns the largest payload a slot stores.
func (q *DatagramQueue) MaxSize() int { return q.maxSize }

// Policy returns the overflow policy.
func (q *DatagramQueue) Policy() OverflowPolicy { return q.policy }

// Dropped returns how many datagrams overflow has cost since creation.
func (q *DatagramQueue) Dropped() uint64 { return q.dropped.Load() }

// Reset empties the queue. Only call it when no producer is active.
func (q *DatagramQueue) Reset() {
	q.read.Store(q.write.Load())
}
