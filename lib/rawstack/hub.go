// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import (
	"net/netip"
	"sync"
)

// Hub is an in-memory segment joining stacks in one process. Unicast
// frames go to the stack owning the destination address; multicast
// frames go to every attached stack, which filters by membership.
// Frames to addresses no stack owns are dropped.
type Hub struct {
	mu      sync.RWMutex
	stacks  map[netip.Addr]*Stack
	members []*Stack
	filter  func(Frame) bool
	dropped uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{stacks: make(map[netip.Addr]*Stack)}
}

// Attach connects stack to the hub under each of its addresses.
func (h *Hub) Attach(stack *Stack) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, addr := range stack.Addresses() {
		h.stacks[addr] = stack
	}
	h.members = append(h.members, stack)
}

// NewStack creates a stack using the hub as its link and attaches it.
func (h *Hub) NewStack(config Config) (*Stack, error) {
	config.Link = h
	stack, err := New(config)
	if err != nil {
		return nil, err
	}
	h.Attach(stack)
	return stack, nil
}

// SetFilter installs a predicate every frame must pass; nil removes
// it. Tests use it to drop or inspect traffic.
func (h *Hub) SetFilter(filter func(Frame) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = filter
}

// Dropped returns how many frames the hub discarded.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Transmit implements Link.
func (h *Hub) Transmit(frame Frame) error {
	h.mu.RLock()
	filter := h.filter
	h.mu.RUnlock()
	if filter != nil && !filter(frame) {
		h.countDrop()
		return nil
	}

	dst := frame.Dst.Addr().Unmap()
	if dst.IsMulticast() {
		h.mu.RLock()
		members := append([]*Stack(nil), h.members...)
		h.mu.RUnlock()
		for _, stack := range members {
			stack.Input(frame)
		}
		return nil
	}

	h.mu.RLock()
	stack, ok := h.stacks[dst]
	h.mu.RUnlock()
	if !ok || !stack.Input(frame) {
		h.countDrop()
	}
	return nil
}

func (h *Hub) countDrop() {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}
