// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build peersock_event

package backend

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/peersock/lib/config"
	"github.com/bureau-foundation/peersock/lib/logging"
	"github.com/bureau-foundation/peersock/lib/testutil"
	"github.com/bureau-foundation/peersock/socket"
)

// freeUDPAddress reserves and releases a loopback UDP port.
func freeUDPAddress(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().String()
}

func TestTwoEventBackendsOverTunnel(t *testing.T) {
	tunnelA, tunnelB := freeUDPAddress(t), freeUDPAddress(t)

	cfgA := config.Default()
	cfgA.Event.Address = "10.77.0.1"
	cfgA.Event.Listen = tunnelA
	cfgA.Event.Routes = map[string]string{"10.77.0.2": tunnelB}

	cfgB := config.Default()
	cfgB.Event.Address = "10.77.0.2"
	cfgB.Event.Listen = tunnelB
	cfgB.Event.Routes = map[string]string{"10.77.0.1": tunnelA}

	ctx := context.Background()
	backendA, stopA, err := Default(ctx, cfgA, logging.Discard())
	if err != nil {
		t.Fatalf("Default(a): %v", err)
	}
	defer stopA()
	backendB, stopB, err := Default(ctx, cfgB, logging.Discard())
	if err != nil {
		t.Fatalf("Default(b): %v", err)
	}
	defer stopB()

	receiver := backendB.NewUDP()
	defer receiver.Close()
	port, err := receiver.Open(socket.FamilyIPv4, 0)
	if err != nil {
		t.Fatalf("Open(b): %v", err)
	}
	sender := backendA.NewUDP()
	defer sender.Close()
	if _, err := sender.Open(socket.FamilyIPv4, 0); err != nil {
		t.Fatalf("Open(a): %v", err)
	}

	destination := socket.MustParseAddress("10.77.0.2:0").WithPort(port)
	if _, err := sender.SendTo(destination, []byte("through the tunnel")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	buf := make([]byte, 64)
	var n int
	testutil.Eventually(t, 5*time.Second, func() bool {
		n, _, err = receiver.RecvFrom(buf)
		return err == nil && n > 0
	}, "datagram never crossed the tunnel")
	if !bytes.Equal(buf[:n], []byte("through the tunnel")) {
		t.Fatalf("received %q", buf[:n])
	}
}
