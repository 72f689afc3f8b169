// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !peersock_event

package backend

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/peersock/lib/config"
	"github.com/bureau-foundation/peersock/lib/version"
	"github.com/bureau-foundation/peersock/socket"
	"github.com/bureau-foundation/peersock/socket/posix"
)

func init() { version.Backend = posix.Name }

// Default returns a posix backend configured from cfg's socket
// section. It starts nothing, so Stop is a no-op.
func Default(_ context.Context, cfg *config.Config, logger *slog.Logger) (socket.Backend, Stop, error) {
	options, err := options(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	backend, err := posix.New(options)
	if err != nil {
		return nil, nil, err
	}
	return backend, func() error { return nil }, nil
}
