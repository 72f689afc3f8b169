// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import "fmt"

// State is a TCP endpoint's position in its connection lifecycle:
//
//	Closed -> Open -> Connecting -> Connected -> Closed
//	                      |             |
//	                      +-> Errored <-+
//
// Errored is terminal until Close returns the endpoint to Closed.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}
