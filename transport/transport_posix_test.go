// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/peersock/lib/logging"
	"github.com/bureau-foundation/peersock/socket"
	"github.com/bureau-foundation/peersock/socket/sockconn"
)

func newPosixDialer(t *testing.T) *sockconn.Dialer {
	t.Helper()
	options := socket.Options{Logger: logging.Discard()}
	return &sockconn.Dialer{Backend: newPosixBackend(t), Options: options}
}

func TestEndpointTransport_PlainHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprintf(writer, "%s %s", request.Method, request.URL.Path)
	}))
	t.Cleanup(server.Close)

	client := &http.Client{Transport: EndpointTransport(newPosixDialer(t)), Timeout: 10 * time.Second}
	for _, path := range []string{"/first", "/second"} {
		if body := get(t, client, server.URL+path); body != "GET "+path {
			t.Errorf("body = %q, want %q", body, "GET "+path)
		}
	}
}

func TestEndpointTransport_LargeBody(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 64*1024)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(writer, payload)
	}))
	t.Cleanup(server.Close)

	client := &http.Client{Transport: EndpointTransport(newPosixDialer(t)), Timeout: 10 * time.Second}
	if body := get(t, client, server.URL); body != payload {
		t.Errorf("body length = %d, want %d", len(body), len(payload))
	}
}

func TestHTTPTransport_FixedAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprint(writer, request.Host)
	}))
	t.Cleanup(server.Close)

	// The URL host only selects the Host header; the dial goes to the
	// fixed address.
	address := strings.TrimPrefix(server.URL, "http://")
	client := &http.Client{Transport: HTTPTransport(newPosixDialer(t), address), Timeout: 10 * time.Second}
	if body := get(t, client, "http://service.internal/"); body != "service.internal" {
		t.Errorf("Host = %q, want %q", body, "service.internal")
	}
}

func TestEndpointTransport_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := &http.Client{Transport: EndpointTransport(newPosixDialer(t)), Timeout: 10 * time.Second}
	if _, err := client.Get(url); err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
}
