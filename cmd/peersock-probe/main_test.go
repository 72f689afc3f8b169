// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix && !peersock_event

package main

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// probe runs the command with a quiet logger and returns stdout.
func probe(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PEERSOCK_CONFIG", "")
	var stdout bytes.Buffer
	err := run(append([]string{"--log-level", "error"}, args...), &stdout)
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	output, err := probe(t, "--version")
	if err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(output, "peersock-probe ") || !strings.Contains(output, "posix backend") {
		t.Errorf("--version output = %q", output)
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := probe(t, "traceroute"); err == nil || !strings.Contains(err.Error(), "traceroute") {
		t.Errorf("unknown command error = %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peersock.yaml")
	content := "socket:\n  overflow: drop-everything\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := probe(t, "--config", path, "udp-echo", "127.0.0.1:9"); err == nil {
		t.Fatal("expected a configuration error")
	}
}

func TestUDPEcho(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	go func() {
		buffer := make([]byte, 2048)
		for {
			n, from, err := server.ReadFromUDP(buffer)
			if err != nil {
				return
			}
			server.WriteToUDP(buffer[:n], from)
		}
	}()

	output, err := probe(t, "udp-echo", "--count", "2", "--message", "hi", server.LocalAddr().String())
	if err != nil {
		t.Fatalf("udp-echo: %v", err)
	}
	for sequence := range 2 {
		if want := fmt.Sprintf("%q", fmt.Sprintf("hi %d", sequence)); !strings.Contains(output, want) {
			t.Errorf("output missing %s:\n%s", want, output)
		}
	}
}

func TestTCPGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprintf(writer, "served %s", request.URL.Path)
	}))
	t.Cleanup(server.Close)

	output, err := probe(t, "tcp-get", server.URL+"/index")
	if err != nil {
		t.Fatalf("tcp-get: %v", err)
	}
	if output != "served /index" {
		t.Errorf("output = %q, want %q", output, "served /index")
	}
}

func TestTCPGetErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	if _, err := probe(t, "tcp-get", server.URL); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("tcp-get of a missing page = %v, want a 404 error", err)
	}
}

func TestPeerEchoVirtual(t *testing.T) {
	output, err := probe(t, "peer-echo", "--virtual", "--count", "2")
	if err != nil {
		t.Fatalf("peer-echo --virtual: %v", err)
	}
	if !strings.Contains(output, `"ping 1"`) {
		t.Errorf("output = %q, want two round trips", output)
	}
}

func TestPeerEchoLoopback(t *testing.T) {
	output, err := probe(t, "peer-echo", "--count", "1", "--message", "loop")
	if err != nil {
		t.Fatalf("peer-echo: %v", err)
	}
	if !strings.Contains(output, `"loop 0"`) {
		t.Errorf("output = %q, want one round trip", output)
	}
}
