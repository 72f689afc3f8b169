// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peersock/lib/rawstack"
	"github.com/bureau-foundation/peersock/socket"
	"github.com/bureau-foundation/peersock/socket/event"
	"github.com/bureau-foundation/peersock/transport"
)

// peerQueueCapacity holds a DTLS handshake flight between polls.
const peerQueueCapacity = 64

var (
	virtualOfferer  = netip.MustParseAddr("10.77.1.1")
	virtualAnswerer = netip.MustParseAddr("10.77.1.2")
)

func runPeerEcho(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("peer-echo", pflag.ContinueOnError)
	virtual := flagSet.Bool("virtual", false, "join the two nodes through an in-process hub of event stacks")
	host := flagSet.String("host", "127.0.0.1", "host candidate address on the compiled-in backend")
	count := flagSet.Int("count", 3, "round trips")
	message := flagSet.String("message", "ping", "payload to echo")
	timeout := flagSet.Duration("timeout", 30*time.Second, "bound on each round trip")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	offererConfig, answererConfig, err := env.peerConfigs(*virtual, *host)
	if err != nil {
		return err
	}
	signaler := transport.NewMemorySignaler()
	offererConfig.Signaler, answererConfig.Signaler = signaler, signaler
	offererConfig.Name, answererConfig.Name = "probe/offerer", "probe/answerer"
	offererConfig.Logger = env.logger.With("node", "offerer")
	answererConfig.Logger = env.logger.With("node", "answerer")

	offerer, err := transport.NewWebRTCTransport(offererConfig)
	if err != nil {
		return err
	}
	defer offerer.Close()
	answerer, err := transport.NewWebRTCTransport(answererConfig)
	if err != nil {
		return err
	}
	defer answerer.Close()

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- answerer.Serve(serveCtx, http.HandlerFunc(echoHandler))
	}()
	select {
	case <-answerer.Ready():
	case err := <-serveDone:
		return fmt.Errorf("answerer stopped before serving: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	client := &http.Client{
		Transport: transport.HTTPTransport(offerer, answerer.Address()),
		Timeout:   *timeout,
	}
	for sequence := range *count {
		payload := fmt.Sprintf("%s %d", *message, sequence)
		started := time.Now()
		reply, err := echo(ctx, client, payload)
		if err != nil {
			return fmt.Errorf("round trip %d: %w", sequence, err)
		}
		if reply != payload {
			return fmt.Errorf("round trip %d: echoed %q, sent %q", sequence, reply, payload)
		}
		fmt.Fprintf(env.stdout, "%d: %q in %s\n", sequence, reply, time.Since(started).Round(time.Microsecond))
	}
	return nil
}

// peerConfigs returns transport configs whose endpoints come from the
// compiled-in backend, or from two event stacks on an in-process hub.
func (env *environment) peerConfigs(virtual bool, host string) (transport.WebRTCConfig, transport.WebRTCConfig, error) {
	options := env.options
	options.QueueCapacity = max(options.QueueCapacity, peerQueueCapacity)

	if virtual {
		hub := rawstack.NewHub()
		offerer, err := newVirtualBackend(hub, virtualOfferer, options)
		if err != nil {
			return transport.WebRTCConfig{}, transport.WebRTCConfig{}, err
		}
		answerer, err := newVirtualBackend(hub, virtualAnswerer, options)
		if err != nil {
			return transport.WebRTCConfig{}, transport.WebRTCConfig{}, err
		}
		return transport.WebRTCConfig{Backend: offerer, Options: options, HostAddress: virtualOfferer},
			transport.WebRTCConfig{Backend: answerer, Options: options, HostAddress: virtualAnswerer},
			nil
	}

	// The event stack has no loopback, so two nodes on one stack cannot
	// reach each other.
	if env.backend.Name() == event.Name {
		return transport.WebRTCConfig{}, transport.WebRTCConfig{},
			fmt.Errorf("the %s backend cannot reach itself; use --virtual", env.backend.Name())
	}
	address, err := netip.ParseAddr(host)
	if err != nil {
		return transport.WebRTCConfig{}, transport.WebRTCConfig{}, fmt.Errorf("--host: %w", err)
	}
	family := socket.FamilyIPv4
	if address.Is6() && !address.Is4In6() {
		family = socket.FamilyIPv6
	}
	config := transport.WebRTCConfig{
		Backend:     env.backend,
		Options:     options,
		Family:      family,
		HostAddress: address,
	}
	return config, config, nil
}

func newVirtualBackend(hub *rawstack.Hub, address netip.Addr, options socket.Options) (*event.Backend, error) {
	stack, err := hub.NewStack(rawstack.Config{
		Addresses: []netip.Addr{address},
		Buffers:   peerQueueCapacity,
		Logger:    options.Logger.With("stack", address.String()),
	})
	if err != nil {
		return nil, err
	}
	return event.New(stack, options)
}

func echo(ctx context.Context, client *http.Client, payload string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://peer/echo", bytes.NewBufferString(payload))
	if err != nil {
		return "", err
	}
	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", errors.New(response.Status)
	}
	body, err := io.ReadAll(response.Body)
	return string(body), err
}

func echoHandler(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(writer, request.Body)
}
