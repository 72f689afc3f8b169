// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// peersock-probe exercises a socket backend from the command line.
// Each subcommand drives one path through it, from a STUN binding
// request to a WebRTC data channel between two in-process nodes; run
// with --help for the list.
//
// The backend is whichever one the binary was built with (posix by
// default, event with -tags peersock_event). Configuration comes from
// --config, else PEERSOCK_CONFIG, else built-in defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peersock/lib/config"
	"github.com/bureau-foundation/peersock/lib/logging"
	"github.com/bureau-foundation/peersock/lib/version"
	"github.com/bureau-foundation/peersock/socket"
	"github.com/bureau-foundation/peersock/socket/backend"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// environment is what every subcommand runs against.
type environment struct {
	config  *config.Config
	logger  *slog.Logger
	backend socket.Backend
	options socket.Options
	stdout  io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = []command{
	{"stun", "discover the endpoint's public address with a STUN binding request", runSTUN},
	{"udp-echo", "send datagrams to an address and print the replies", runUDPEcho},
	{"tcp-get", "fetch an http:// URL over the backend's TCP endpoints", runTCPGet},
	{"peer-echo", "round-trip messages over a WebRTC data channel between two local nodes", runPeerEcho},
	{"forward", "accept host connections and forward them over the backend", runForward},
}

func run(args []string, stdout io.Writer) error {
	var configPath, logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("peersock-probe", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to peersock.yaml (default: $"+config.EnvVar+")")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "peersock-probe %s\n", version.Full())
		return nil
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(flagSet)
		return nil
	}

	name := flagSet.Arg(0)
	var selected *command
	for index := range commands {
		if commands[index].name == name {
			selected = &commands[index]
		}
	}
	if selected == nil {
		return fmt.Errorf("unknown command %q (run with --help for the list)", name)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := logging.NewCommandLogger(level).With("command", name)

	options, err := cfg.SocketOptions()
	if err != nil {
		return err
	}
	options.Logger = logger
	options = options.WithDefaults()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	socketBackend, stopBackend, err := backend.Default(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting %s backend: %w", version.Backend, err)
	}
	defer func() {
		if err := stopBackend(); err != nil {
			logger.Warn("stopping backend", "error", err)
		}
	}()
	logger.Debug("backend ready", "backend", socketBackend.Name())

	env := &environment{
		config:  cfg,
		logger:  logger,
		backend: socketBackend,
		options: options,
		stdout:  stdout,
	}
	return selected.run(ctx, env, flagSet.Args()[1:])
}

// loadConfig reads path, or PEERSOCK_CONFIG when path is empty. With
// neither, the defaults apply.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.EnvVar) != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `peersock-probe exercises the %s socket backend.

Usage:
  peersock-probe [flags] <command> [command flags]

Commands:
`, version.Backend)
	for _, entry := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", entry.name, entry.summary)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flagSet.PrintDefaults()
}
