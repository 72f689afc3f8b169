// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
// It can be replaced at runtime with WebRTCTransport.UpdateICEConfig,
// for example when TURN credentials are refreshed.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// TURNCredentials is a time-limited TURN grant.
type TURNCredentials struct {
	Username string
	Password string
	URIs     []string
}

// ICEConfigFromSTUN returns a config that gathers server-reflexive
// candidates from each "host:port" server. Empty names are skipped;
// with none left the config has only host candidates, which is enough
// for same-machine and same-LAN peers.
func ICEConfigFromSTUN(servers ...string) ICEConfig {
	var urls []string
	for _, server := range servers {
		if server == "" {
			continue
		}
		if !strings.HasPrefix(server, "stun:") {
			server = "stun:" + server
		}
		urls = append(urls, server)
	}
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: urls}}}
}

// WithTURN returns config with turn appended as a relay server. A nil
// grant or one without URIs leaves config unchanged.
func (config ICEConfig) WithTURN(turn *TURNCredentials) ICEConfig {
	if turn == nil || len(turn.URIs) == 0 {
		return config
	}
	servers := append([]webrtc.ICEServer(nil), config.Servers...)
	servers = append(servers, webrtc.ICEServer{
		URLs:       turn.URIs,
		Username:   turn.Username,
		Credential: turn.Password,
	})
	return ICEConfig{Servers: servers}
}
