// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peersock/bridge"
	"github.com/bureau-foundation/peersock/socket/sockconn"
)

func runForward(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("forward", pflag.ContinueOnError)
	listen := flagSet.String("listen", "127.0.0.1:8642", "host address (or socket path with --unix) to accept on")
	unix := flagSet.Bool("unix", false, "listen on a Unix socket")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: forward [flags] <host:port>")
	}

	network := "tcp"
	if *unix {
		network = "unix"
	}
	forwarder := &bridge.Bridge{
		Network:    network,
		ListenAddr: *listen,
		Target:     flagSet.Arg(0),
		Dialer:     &sockconn.Dialer{Backend: env.backend, Options: env.options},
		Logger:     env.logger,
	}
	if err := forwarder.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "forwarding %s to %s\n", forwarder.Addr(), flagSet.Arg(0))

	<-ctx.Done()
	forwarder.Stop()
	return nil
}
