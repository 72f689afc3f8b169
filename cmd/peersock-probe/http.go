// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peersock/socket/sockconn"
	"github.com/bureau-foundation/peersock/transport"
)

func runTCPGet(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("tcp-get", pflag.ContinueOnError)
	timeout := flagSet.Duration("timeout", 30*time.Second, "bound on the whole request")
	connectTimeout := flagSet.Duration("connect-timeout", 0, "bound on the TCP connect (default socket.connect_timeout)")
	headers := flagSet.Bool("headers", false, "print the status line and response headers to stderr")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: tcp-get [flags] <http://host:port/path>")
	}

	dialer := &sockconn.Dialer{
		Backend: env.backend,
		Options: env.options,
		Timeout: *connectTimeout,
	}
	client := &http.Client{
		Transport: transport.EndpointTransport(dialer),
		Timeout:   *timeout,
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, flagSet.Arg(0), nil)
	if err != nil {
		return err
	}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if *headers {
		env.logger.Info("response", "status", response.Status, "proto", response.Proto)
		for name, values := range response.Header {
			for _, value := range values {
				env.logger.Info("header", "name", name, "value", value)
			}
		}
	}
	written, err := io.Copy(env.stdout, response.Body)
	if err != nil {
		return fmt.Errorf("reading body after %d bytes: %w", written, err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", response.Status)
	}
	return nil
}
