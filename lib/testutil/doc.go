// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the select
// with a wall-clock fallback so a wedged endpoint fails the test
// instead of hanging it. They are the only place in the test suite
// that waits on real time; everything else drives lib/clock.
//
// [Eventually] repeatedly pumps a condition, for tests that wait on
// datagrams crossing a loopback socket.
//
// All helpers call t.Fatalf on failure.
package testutil
