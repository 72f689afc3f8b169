// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/peersock/socket"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Socket.QueueCapacity != 8 || cfg.Socket.MaxDatagramSize != 2048 {
		t.Errorf("expected 8 datagrams of 2048 bytes, got %d of %d", cfg.Socket.QueueCapacity, cfg.Socket.MaxDatagramSize)
	}

	if cfg.Socket.ConnectTimeout != "10s" {
		t.Errorf("expected connect_timeout=10s, got %s", cfg.Socket.ConnectTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresPeersockConfig(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when PEERSOCK_CONFIG not set, got nil")
	}

	expectedMsg := "PEERSOCK_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithPeersockConfig(t *testing.T) {
	configPath := writeConfig(t, "peersock.yaml", `
environment: staging
socket:
  queue_capacity: 32
`)
	t.Setenv(EnvVar, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Socket.QueueCapacity != 32 {
		t.Errorf("expected queue_capacity=32, got %d", cfg.Socket.QueueCapacity)
	}

	// Unset fields keep their defaults.
	if cfg.Socket.StreamCapacity != 4096 {
		t.Errorf("expected stream_capacity=4096, got %d", cfg.Socket.StreamCapacity)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, "peersock.yaml", `
environment: staging

socket:
  overflow: drop-oldest
  connect_timeout: 3s
  tcp_blocks: 16

event:
  address: 10.9.0.1
  listen: 0.0.0.0:7800
  routes:
    10.9.0.2: 192.0.2.10:7800

stun:
  server: stun.example.net:3478

log:
  level: debug
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Socket.Overflow != "drop-oldest" {
		t.Errorf("expected overflow=drop-oldest, got %s", cfg.Socket.Overflow)
	}

	wantEvent := EventConfig{
		Address:       "10.9.0.1",
		Listen:        "0.0.0.0:7800",
		Routes:        map[string]string{"10.9.0.2": "192.0.2.10:7800"},
		Buffers:       16,
		BufferSize:    2048,
		ReceiveWindow: 4096,
	}
	if diff := cmp.Diff(wantEvent, cfg.Event); diff != "" {
		t.Errorf("event section mismatch (-want +got):\n%s", diff)
	}

	if cfg.STUN.Server != "stun.example.net:3478" {
		t.Errorf("expected stun server stun.example.net:3478, got %s", cfg.STUN.Server)
	}

	level, err := cfg.LogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("expected level debug, got %v (%v)", level, err)
	}

	options, err := cfg.SocketOptions()
	if err != nil {
		t.Fatalf("SocketOptions failed: %v", err)
	}
	wantOptions := socket.Options{
		QueueCapacity:   socket.DefaultQueueCapacity,
		MaxDatagramSize: socket.DefaultMaxDatagramSize,
		Overflow:        socket.DropOldest,
		StreamCapacity:  socket.DefaultStreamCapacity,
		ConnectTimeout:  3 * time.Second,
		PollInterval:    socket.DefaultPollInterval,
		UDPBlocks:       socket.DefaultUDPBlocks,
		TCPBlocks:       16,
	}
	if diff := cmp.Diff(wantOptions, options); diff != "" {
		t.Errorf("SocketOptions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	configPath := writeConfig(t, "peersock.jsonc", `{
  // Comments and trailing commas are allowed.
  "environment": "development",
  "socket": {
    "max_datagram_size": 1200,
  },
}`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Socket.MaxDatagramSize != 1200 {
		t.Errorf("expected max_datagram_size=1200, got %d", cfg.Socket.MaxDatagramSize)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	configPath := writeConfig(t, "peersock.yaml", "socket: [unterminated\n")

	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, "peersock.yaml", `
environment: production

socket:
  queue_capacity: 8

production:
  socket:
    queue_capacity: 64
  stun:
    timeout: 2s
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	// Production overrides should be applied.
	if cfg.Socket.QueueCapacity != 64 {
		t.Errorf("expected queue_capacity=64, got %d", cfg.Socket.QueueCapacity)
	}

	if cfg.STUN.Timeout != "2s" {
		t.Errorf("expected stun timeout=2s, got %s", cfg.STUN.Timeout)
	}

	// An explicit production section replaces the built-in one.
	if cfg.Log.Level != "info" {
		t.Errorf("expected level=info, got %s", cfg.Log.Level)
	}
}

func TestProductionDefaults(t *testing.T) {
	configPath := writeConfig(t, "peersock.yaml", "environment: production\n")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("expected level=warn in production, got %s", cfg.Log.Level)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Verify that environment variables do NOT override config file values.
	t.Setenv("PEERSOCK_ENVIRONMENT", "staging")
	t.Setenv("PEERSOCK_STUN_SERVER", "env.example.net:3478")

	configPath := writeConfig(t, "peersock.yaml", `
environment: development
stun:
  server: file.example.net:3478
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Environment != Development {
		t.Errorf("expected environment=development from file, got %s (env vars should not override)", cfg.Environment)
	}

	if cfg.STUN.Server != "file.example.net:3478" {
		t.Errorf("expected server from file, got %s (env vars should not override)", cfg.STUN.Server)
	}
}

func TestAddressExpansion(t *testing.T) {
	t.Setenv("PEERSOCK_TEST_PEER", "198.51.100.7")

	configPath := writeConfig(t, "peersock.yaml", `
event:
  listen: ${PEERSOCK_TEST_LISTEN:-127.0.0.1:7900}
  routes:
    10.77.0.2: ${PEERSOCK_TEST_PEER}:7700
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Event.Listen != "127.0.0.1:7900" {
		t.Errorf("expected listen default 127.0.0.1:7900, got %s", cfg.Event.Listen)
	}

	if cfg.Event.Routes["10.77.0.2"] != "198.51.100.7:7700" {
		t.Errorf("expected expanded route, got %s", cfg.Event.Routes["10.77.0.2"])
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/peersock",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/peersock",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}:${B}",
			vars:     map[string]string{"A": "host", "B": "7700"},
			expected: "host:7700",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "invalid"
			},
			wantErr: true,
		},
		{
			name: "unknown overflow policy",
			modify: func(c *Config) {
				c.Socket.Overflow = "drop-everything"
			},
			wantErr: true,
		},
		{
			name: "negative queue capacity",
			modify: func(c *Config) {
				c.Socket.QueueCapacity = -1
			},
			wantErr: true,
		},
		{
			name: "malformed connect timeout",
			modify: func(c *Config) {
				c.Socket.ConnectTimeout = "soon"
			},
			wantErr: true,
		},
		{
			name: "bad event address",
			modify: func(c *Config) {
				c.Event.Address = "not-an-ip"
			},
			wantErr: true,
		},
		{
			name: "bad route key",
			modify: func(c *Config) {
				c.Event.Routes = map[string]string{"peer": "127.0.0.1:7700"}
			},
			wantErr: true,
		},
		{
			name: "empty stun server",
			modify: func(c *Config) {
				c.STUN.Server = ""
			},
			wantErr: true,
		},
		{
			name: "zero stun timeout",
			modify: func(c *Config) {
				c.STUN.Timeout = "0s"
			},
			wantErr: true,
		},
		{
			name: "unknown log level",
			modify: func(c *Config) {
				c.Log.Level = "chatty"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
