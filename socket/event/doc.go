// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event implements socket endpoints on a pumped raw stack
// (lib/rawstack). Nothing here blocks on I/O: every endpoint call takes
// the stack lock, polls the stack so pending frames and callbacks run,
// and then works against the endpoint's buffers. Callbacks fill those
// buffers from inside Poll, so they never take the lock themselves.
//
// Control blocks come from fixed arenas sized by socket.Options
// UDPBlocks and TCPBlocks. Endpoints hold generation-checked handles
// into the arenas rather than pointers, and the stack drops its
// reference to a TCP control block through the error callback, so a
// reset connection leaves nothing dangling.
package event
