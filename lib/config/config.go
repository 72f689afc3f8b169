// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/peersock/lib/logging"
	"github.com/bureau-foundation/peersock/socket"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// EnvVar names the environment variable Load reads the config path
// from.
const EnvVar = "PEERSOCK_CONFIG"

// Config is the master configuration for peersock programs.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Socket sizes endpoint buffers and sets connect timing.
	Socket SocketConfig `yaml:"socket"`

	// Event configures the raw stack the event backend drives.
	// Ignored by posix builds.
	Event EventConfig `yaml:"event"`

	// STUN configures the reflexive address probe.
	STUN STUNConfig `yaml:"stun"`

	// Log configures command logging.
	Log LogConfig `yaml:"log"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Socket *SocketConfig `yaml:"socket,omitempty"`
	STUN   *STUNConfig   `yaml:"stun,omitempty"`
	Log    *LogConfig    `yaml:"log,omitempty"`
}

// SocketConfig mirrors socket.Options. Durations are strings in
// time.ParseDuration form.
type SocketConfig struct {
	// QueueCapacity is the number of datagrams buffered per UDP endpoint.
	// Default: 8
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxDatagramSize bounds sent and received datagrams.
	// Default: 2048
	MaxDatagramSize int `yaml:"max_datagram_size"`

	// Overflow is "drop-newest" or "drop-oldest".
	// Default: drop-newest
	Overflow string `yaml:"overflow"`

	// StreamCapacity is the TCP receive buffer size.
	// Default: 4096
	StreamCapacity int `yaml:"stream_capacity"`

	// ConnectTimeout applies when Connect is given no timeout.
	// Default: 10s
	ConnectTimeout string `yaml:"connect_timeout"`

	// PollInterval is the pause between connect polls.
	// Default: 10ms
	PollInterval string `yaml:"poll_interval"`

	// UDPBlocks and TCPBlocks size the event backend's arenas.
	// Default: 4 each
	UDPBlocks int `yaml:"udp_blocks"`
	TCPBlocks int `yaml:"tcp_blocks"`
}

// EventConfig describes the event backend's stack and the UDP tunnel
// that carries its frames.
type EventConfig struct {
	// Address is the stack's own virtual IP address.
	// Default: 10.77.0.1
	Address string `yaml:"address"`

	// Listen is the host UDP address the tunnel binds.
	// Default: 127.0.0.1:7700
	Listen string `yaml:"listen"`

	// Routes maps virtual IP addresses of other stacks to the host UDP
	// addresses of their tunnels.
	Routes map[string]string `yaml:"routes"`

	// Buffers and BufferSize size the stack's packet buffer pool.
	// Default: 16 buffers of 2048 bytes
	Buffers    int `yaml:"buffers"`
	BufferSize int `yaml:"buffer_size"`

	// ReceiveWindow is the TCP window each connection advertises.
	// Default: 4096
	ReceiveWindow int `yaml:"receive_window"`
}

// STUNConfig configures the reflexive address probe.
type STUNConfig struct {
	// Server is the STUN server's host:port.
	// Default: stun.l.google.com:19302
	Server string `yaml:"server"`

	// Timeout bounds one probe.
	// Default: 5s
	Timeout string `yaml:"timeout"`

	// Retransmit is the interval between binding request retries.
	// Default: 500ms
	Retransmit string `yaml:"retransmit"`
}

// LogConfig configures command logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Socket: SocketConfig{
			QueueCapacity:   socket.DefaultQueueCapacity,
			MaxDatagramSize: socket.DefaultMaxDatagramSize,
			Overflow:        socket.DropNewest.String(),
			StreamCapacity:  socket.DefaultStreamCapacity,
			ConnectTimeout:  socket.DefaultConnectTimeout.String(),
			PollInterval:    socket.DefaultPollInterval.String(),
			UDPBlocks:       socket.DefaultUDPBlocks,
			TCPBlocks:       socket.DefaultTCPBlocks,
		},
		Event: EventConfig{
			Address:       "10.77.0.1",
			Listen:        "127.0.0.1:7700",
			Buffers:       16,
			BufferSize:    2048,
			ReceiveWindow: 4096,
		},
		STUN: STUNConfig{
			Server:     "stun.l.google.com:19302",
			Timeout:    "5s",
			Retransmit: "500ms",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the PEERSOCK_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if PEERSOCK_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your peersock.yaml config file, or use --config flag", EnvVar)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc may carry comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so the yaml tags serve both.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: quieter logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Level: "warn"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if s := overrides.Socket; s != nil {
		overrideInt(&c.Socket.QueueCapacity, s.QueueCapacity)
		overrideInt(&c.Socket.MaxDatagramSize, s.MaxDatagramSize)
		overrideString(&c.Socket.Overflow, s.Overflow)
		overrideInt(&c.Socket.StreamCapacity, s.StreamCapacity)
		overrideString(&c.Socket.ConnectTimeout, s.ConnectTimeout)
		overrideString(&c.Socket.PollInterval, s.PollInterval)
		overrideInt(&c.Socket.UDPBlocks, s.UDPBlocks)
		overrideInt(&c.Socket.TCPBlocks, s.TCPBlocks)
	}

	if s := overrides.STUN; s != nil {
		overrideString(&c.STUN.Server, s.Server)
		overrideString(&c.STUN.Timeout, s.Timeout)
		overrideString(&c.STUN.Retransmit, s.Retransmit)
	}

	if overrides.Log != nil {
		overrideString(&c.Log.Level, overrides.Log.Level)
	}
}

func overrideInt(field *int, value int) {
	if value != 0 {
		*field = value
	}
}

func overrideString(field *string, value string) {
	if value != "" {
		*field = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// address fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Event.Address = expandVars(c.Event.Address, vars)
	c.Event.Listen = expandVars(c.Event.Listen, vars)
	for virtual, host := range c.Event.Routes {
		c.Event.Routes[virtual] = expandVars(host, vars)
	}
	c.STUN.Server = expandVars(c.STUN.Server, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	environments := []Environment{Development, Staging, Production}
	if !slices.Contains(environments, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if _, err := c.SocketOptions(); err != nil {
		errs = append(errs, err)
	}

	if _, err := netip.ParseAddr(c.Event.Address); err != nil {
		errs = append(errs, fmt.Errorf("event.address: %w", err))
	}
	if c.Event.Listen == "" {
		errs = append(errs, fmt.Errorf("event.listen is required"))
	}
	for virtual, host := range c.Event.Routes {
		if _, err := netip.ParseAddr(virtual); err != nil {
			errs = append(errs, fmt.Errorf("event.routes key %q: %w", virtual, err))
		}
		if host == "" {
			errs = append(errs, fmt.Errorf("event.routes[%s] is empty", virtual))
		}
	}
	if c.Event.Buffers < 0 || c.Event.BufferSize < 0 || c.Event.ReceiveWindow < 0 {
		errs = append(errs, fmt.Errorf("event buffer sizes must not be negative"))
	}

	if c.STUN.Server == "" {
		errs = append(errs, fmt.Errorf("stun.server is required"))
	}
	if _, _, err := c.STUNTimeouts(); err != nil {
		errs = append(errs, err)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SocketOptions converts the socket section. Clock and Logger are left
// for the caller.
func (c *Config) SocketOptions() (socket.Options, error) {
	var errs []error
	duration := func(field, value string) time.Duration {
		if value == "" {
			return 0
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("socket.%s: %w", field, err))
		}
		return d
	}

	overflow, err := socket.ParseOverflowPolicy(c.Socket.Overflow)
	if err != nil {
		errs = append(errs, fmt.Errorf("socket.overflow: %w", err))
	}
	options := socket.Options{
		QueueCapacity:   c.Socket.QueueCapacity,
		MaxDatagramSize: c.Socket.MaxDatagramSize,
		Overflow:        overflow,
		StreamCapacity:  c.Socket.StreamCapacity,
		ConnectTimeout:  duration("connect_timeout", c.Socket.ConnectTimeout),
		PollInterval:    duration("poll_interval", c.Socket.PollInterval),
		UDPBlocks:       c.Socket.UDPBlocks,
		TCPBlocks:       c.Socket.TCPBlocks,
	}
	if err := options.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("socket: %w", err))
	}
	if len(errs) > 0 {
		return socket.Options{}, errors.Join(errs...)
	}
	return options, nil
}

// STUNTimeouts parses the probe timeout and retransmit interval.
func (c *Config) STUNTimeouts() (timeout, retransmit time.Duration, err error) {
	timeout, err = time.ParseDuration(c.STUN.Timeout)
	if err != nil || timeout <= 0 {
		return 0, 0, fmt.Errorf("stun.timeout must be a positive duration, got %q", c.STUN.Timeout)
	}
	retransmit, err = time.ParseDuration(c.STUN.Retransmit)
	if err != nil || retransmit <= 0 {
		return 0, 0, fmt.Errorf("stun.retransmit must be a positive duration, got %q", c.STUN.Retransmit)
	}
	return timeout, retransmit, nil
}

// LogLevel parses the log level.
func (c *Config) LogLevel() (slog.Level, error) {
	return logging.ParseLevel(c.Log.Level)
}
