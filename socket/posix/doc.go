// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package posix implements socket endpoints on operating system
// sockets through golang.org/x/sys/unix. Descriptors are non-blocking:
// SendTo, RecvFrom, Send and Recv return at once, reporting a full
// kernel buffer or an empty one as (0, nil). Only Connect waits, polling
// for writability in slices so Close can interrupt it.
//
// Each endpoint guards its descriptor with an RWMutex. Syscalls run
// under the read lock and Close takes the write lock, so a descriptor
// number is never closed (and possibly reused) under an in-flight call.
package posix
