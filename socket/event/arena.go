// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

// handle names an arena block. Generations start at 1, so the zero
// handle never resolves.
type handle struct {
	index      uint32
	generation uint32
}

func (h handle) valid() bool { return h.generation != 0 }

// arena is a fixed set of control blocks allocated when the backend is
// built. Endpoints refer to a block by handle; releasing a block bumps
// its generation, so a handle kept past release resolves to nothing
// instead of to the block's next owner. All access happens under the
// stack lock.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
}

type arenaSlot[T any] struct {
	generation uint32
	inUse      bool
	block      T
}

func newArena[T any](size int, initialize func(*T)) *arena[T] {
	a := &arena[T]{
		slots: make([]arenaSlot[T], size),
		free:  make([]uint32, 0, size),
	}
	for i := range a.slots {
		a.slots[i].generation = 1
		if initialize != nil {
			initialize(&a.slots[i].block)
		}
	}
	for i := size - 1; i >= 0; i-- {
		a.free = append(a.free, uint32(i))
	}
	return a
}

// acquire takes a free block. It reports false when every block is in
// use.
func (a *arena[T]) acquire() (handle, *T, bool) {
	if len(a.free) == 0 {
		return handle{}, nil, false
	}
	index := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	slot := &a.slots[index]
	slot.inUse = true
	return handle{index: index, generation: slot.generation}, &slot.block, true
}

// get resolves h, or reports false for a stale or zero handle.
func (a *arena[T]) get(h handle) (*T, bool) {
	if !h.valid() || int(h.index) >= len(a.slots) {
		return nil, false
	}
	slot := &a.slots[h.index]
	if !slot.inUse || slot.generation != h.generation {
		return nil, false
	}
	return &slot.block, true
}

// release returns h's block to the free list.
func (a *arena[T]) release(h handle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	slot := &a.slots[h.index]
	slot.inUse = false
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	a.free = append(a.free, h.index)
	return true
}

func (a *arena[T]) inUse() int { return len(a.slots) - len(a.free) }
func (a *arena[T]) size() int  { return len(a.slots) }
