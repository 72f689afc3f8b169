// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for peersock binaries.
//
// The variables are injected with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/peersock/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without injection they read "unknown" and "0.1.0-dev".
package version
