// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/bureau-foundation/peersock/lib/netutil"
	"github.com/bureau-foundation/peersock/transport"
)

// Bridge forwards connections accepted on a host listener to a target
// reached through a transport.Dialer.
type Bridge struct {
	// Network and ListenAddr select the host listener: "tcp" (the
	// default) with an address such as "127.0.0.1:8642", or "unix"
	// with a socket path.
	Network    string
	ListenAddr string

	// Target is passed to Dialer for every accepted connection. Its
	// format is the dialer's: host:port for a sockconn.Dialer, a node
	// name for a WebRTCTransport.
	Target string
	Dialer transport.Dialer

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-connection events are logged at Debug level; errors and
	// lifecycle events at Info/Error.
	Logger *slog.Logger

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

// logger returns the configured logger or the default.
func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Start binds the listener and begins forwarding in the background.
// Targets are dialed per connection, so an unreachable target shows up
// as closed client connections, not as a Start error. The bridge runs
// until Stop is called or ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.ListenAddr == "" {
		return fmt.Errorf("bridge: ListenAddr is required")
	}
	if b.Target == "" {
		return fmt.Errorf("bridge: Target is required")
	}
	if b.Dialer == nil {
		return fmt.Errorf("bridge: Dialer is required")
	}
	network := b.Network
	if network == "" {
		network = "tcp"
	}

	listener, err := net.Listen(network, b.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s %s: %w", network, b.ListenAddr, err)
	}

	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()

	b.logger().Info("bridge started",
		"listen_addr", listener.Addr().String(),
		"target", b.Target,
	)
	return nil
}

// Addr returns the listener's address, useful when binding to port 0.
// Returns nil if the bridge has not been started.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every forwarded connection, and waits
// for their goroutines to finish.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.listener != nil {
		b.listener.Close()
	}
	if b.done != nil {
		<-b.done
	}
}

// Wait blocks until the bridge has stopped.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// acceptLoop accepts connections and forwards them. It waits for all
// in-flight connection goroutines to finish before returning, so that
// closing the done channel signals full quiescence.
func (b *Bridge) acceptLoop(ctx context.Context) {
	var connectionCount int64

	for {
		connection, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				b.connections.Wait()
				return
			}
			b.logger().Error("accept failed", "error", err)
			continue
		}

		connectionCount++
		connectionID := connectionCount
		b.connections.Go(func() {
			b.handleConnection(ctx, connection, connectionID)
		})
	}
}

func (b *Bridge) handleConnection(ctx context.Context, local net.Conn, connectionID int64) {
	defer local.Close()

	logger := b.logger().With("connection_id", connectionID)
	logger.Debug("connection accepted",
		"remote_addr", local.RemoteAddr(),
	)

	remote, err := b.Dialer.DialContext(ctx, b.Target)
	if err != nil {
		logger.Error("failed to reach target", "target", b.Target, "error", err)
		return
	}
	defer remote.Close()

	// Stream endpoints cannot half-close. A local EOF leaves the target
	// running until it finishes its reply; the target ending, a copy
	// error, or Stop closes both sides.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			local.Close()
			remote.Close()
		})
	}
	stopClosing := context.AfterFunc(ctx, closeBoth)
	defer stopClosing()

	var waitGroup sync.WaitGroup
	waitGroup.Go(func() {
		bytesCopied, copyError := io.Copy(remote, local)
		if copyError == nil {
			logger.Debug("local side finished sending", "bytes_copied", bytesCopied)
			return
		}
		closeBoth()
		if !netutil.IsExpectedCloseError(copyError) {
			logger.Debug("local->target copy error",
				"bytes_copied", bytesCopied,
				"error", copyError,
			)
		}
	})
	waitGroup.Go(func() {
		bytesCopied, copyError := io.Copy(local, remote)
		if copyError != nil && !netutil.IsExpectedCloseError(copyError) {
			logger.Debug("target->local copy error",
				"bytes_copied", bytesCopied,
				"error", copyError,
			)
		}
		if halfCloser, ok := local.(interface{ CloseWrite() error }); ok {
			halfCloser.CloseWrite()
		}
		closeBoth()
	})

	waitGroup.Wait()

	logger.Debug("connection closed")
}
