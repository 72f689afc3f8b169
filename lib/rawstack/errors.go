// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rawstack

import "errors"

var (
	// ErrMem: PCB table, packet buffer pool, or send buffer exhausted.
	ErrMem = errors.New("rawstack: out of memory")

	// ErrUse: the local port is already bound.
	ErrUse = errors.New("rawstack: address in use")

	// ErrRte: no local address of the destination's family.
	ErrRte = errors.New("rawstack: no route")

	// ErrConn: the PCB is not in a state that allows the call.
	ErrConn = errors.New("rawstack: not connected")

	// ErrArg: an argument was out of range.
	ErrArg = errors.New("rawstack: invalid argument")

	// ErrRst: the peer reset the connection.
	ErrRst = errors.New("rawstack: connection reset")

	// ErrAbrt: the connection was aborted locally, by Abort or by a
	// sequence gap.
	ErrAbrt = errors.New("rawstack: connection aborted")

	// ErrClsd: the PCB has been closed or removed.
	ErrClsd = errors.New("rawstack: pcb closed")
)
