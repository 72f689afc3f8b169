// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package posix

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/peersock/socket"
)

// Name is the backend name used in errors and logs.
const Name = "posix"

// Backend creates endpoints on kernel sockets.
type Backend struct {
	options socket.Options
	logger  *slog.Logger
}

// New returns a posix backend. UDPBlocks and TCPBlocks are ignored;
// descriptors are limited only by the process.
func New(options socket.Options) (*Backend, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("posix backend: %w", err)
	}
	options = options.WithDefaults()
	return &Backend{options: options, logger: options.Logger.With("backend", Name)}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) NewUDP() socket.UDPEndpoint { return &UDPEndpoint{backend: b, fd: -1} }

func (b *Backend) NewTCP() socket.TCPEndpoint { return &TCPEndpoint{backend: b, fd: -1} }

func (b *Backend) opError(op string, address socket.Address, err, cause error) *socket.OpError {
	return &socket.OpError{Op: op, Backend: Name, Address: address, Err: err, Cause: cause}
}
