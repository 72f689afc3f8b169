// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend builds the socket backend a binary was compiled
// for: posix by default, or the event backend over a UDP tunnel when
// built with -tags peersock_event. Programs call Default and never name
// a backend package themselves.
package backend

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/peersock/lib/config"
	"github.com/bureau-foundation/peersock/socket"
)

// Stop releases whatever Default started. It is safe to call once.
type Stop func() error

func options(cfg *config.Config, logger *slog.Logger) (socket.Options, error) {
	options, err := cfg.SocketOptions()
	if err != nil {
		return socket.Options{}, fmt.Errorf("socket configuration: %w", err)
	}
	options.Logger = logger
	return options, nil
}
