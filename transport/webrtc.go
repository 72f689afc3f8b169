// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peersock/lib/clock"
	"github.com/bureau-foundation/peersock/lib/logging"
	"github.com/bureau-foundation/peersock/socket"
	"github.com/bureau-foundation/peersock/socket/sockconn"
)

// Compile-time interface checks.
var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

const (
	defaultSignalingInterval = 2 * time.Second
	defaultAnswerInterval    = 500 * time.Millisecond

	// iceGatherTimeout bounds candidate gathering before the SDP is
	// published.
	iceGatherTimeout = 15 * time.Second

	// answerTimeout bounds the wait for an SDP answer.
	answerTimeout = 30 * time.Second

	// channelOpenTimeout bounds the wait for a new data channel to open.
	channelOpenTimeout = 10 * time.Second
)

// WebRTCConfig configures a WebRTCTransport.
type WebRTCConfig struct {
	// Name identifies this node in signaling. Required.
	Name string

	// Signaler exchanges SDP offers and answers. Required.
	Signaler Signaler

	ICE ICEConfig

	// Backend opens the UDP endpoint that carries every
	// PeerConnection's ICE, DTLS, and SCTP traffic. Required.
	Backend socket.Backend

	// Options supplies the clock and poll interval for the endpoint
	// adapter. It should match the options Backend was built with.
	Options socket.Options

	// Family and Port select the endpoint's bind. Family defaults to
	// IPv4; port 0 picks an ephemeral port.
	Family socket.Family
	Port   uint16

	// HostAddress is advertised as the host candidate. When unset,
	// pion enumerates the machine's interfaces, which is only correct
	// when Backend binds real sockets.
	HostAddress netip.Addr

	// SignalingInterval is how often inbound offers are polled.
	// AnswerInterval is how often a dialer polls for its answer.
	SignalingInterval time.Duration
	AnswerInterval    time.Duration

	Logger *slog.Logger
}

// WebRTCTransport carries HTTP between named nodes over WebRTC data
// channels. It implements both Listener and Dialer because both
// directions share the same pool of PeerConnections.
//
// All PeerConnections multiplex their ICE traffic over one UDP
// endpoint opened from the configured socket backend, so the same
// transport runs over kernel sockets or the pumped event stack.
//
// Each remote node gets one PeerConnection with potentially many data
// channels. Each DialContext call opens a new data channel on the
// existing PeerConnection (or establishes a new PeerConnection if none
// exists). Serve accepts inbound data channels and dispatches them to
// the HTTP handler.
//
// Signaling uses vanilla ICE: all candidates are gathered before the
// SDP is published, so establishment needs exactly one round-trip.
type WebRTCTransport struct {
	name     string
	signaler Signaler
	logger   *slog.Logger
	clock    clock.Clock

	signalingInterval time.Duration
	answerInterval    time.Duration

	// endpoint carries ICE traffic for every PeerConnection; mux
	// demultiplexes it by ICE username fragment.
	endpoint *sockconn.PacketConn
	mux      ice.UDPMux
	api      *webrtc.API

	// iceConfig is protected by configMu; it can be replaced while
	// connections are being established.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps remote node name to its PeerConnection.
	mu    sync.Mutex
	peers map[string]*peerState

	// inboundConnections carries data channels opened by remote nodes,
	// wrapped as net.Conn, to Serve.
	inboundConnections chan net.Conn

	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	channelCounter atomic.Uint64
}

// peerState tracks the PeerConnection to one remote node. Callers must
// hold WebRTCTransport.mu when reading or modifying the peers map.
type peerState struct {
	connection  *webrtc.PeerConnection
	name        string
	established chan struct{} // closed when ICE reaches Connected/Completed
}

// hostConn advertises a fixed host address in place of the endpoint's
// wildcard bind.
type hostConn struct {
	net.PacketConn
	local *net.UDPAddr
}

func (c *hostConn) LocalAddr() net.Addr { return c.local }

// NewWebRTCTransport opens the shared UDP endpoint and prepares the
// pion API. Nothing is signaled until Serve or DialContext.
func NewWebRTCTransport(config WebRTCConfig) (*WebRTCTransport, error) {
	if config.Name == "" {
		return nil, errors.New("transport: WebRTC config has no name")
	}
	if config.Signaler == nil {
		return nil, errors.New("transport: WebRTC config has no signaler")
	}
	if config.Backend == nil {
		return nil, errors.New("transport: WebRTC config has no backend")
	}
	if config.Family == 0 {
		config.Family = socket.FamilyIPv4
	}
	if config.SignalingInterval <= 0 {
		config.SignalingInterval = defaultSignalingInterval
	}
	if config.AnswerInterval <= 0 {
		config.AnswerInterval = defaultAnswerInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	options := config.Options.WithDefaults()
	logger := config.Logger.With("node", config.Name)

	udp := config.Backend.NewUDP()
	port, err := udp.Open(config.Family, config.Port)
	if err != nil {
		return nil, fmt.Errorf("opening ICE endpoint: %w", err)
	}
	endpoint := sockconn.NewPacketConn(udp, options)

	var packetConn net.PacketConn = endpoint
	if config.HostAddress.IsValid() {
		packetConn = &hostConn{
			PacketConn: endpoint,
			local:      net.UDPAddrFromAddrPort(netip.AddrPortFrom(config.HostAddress, port)),
		}
	}

	loggerFactory := logging.PionLoggerFactory{Logger: logger}
	mux := webrtc.NewICEUDPMux(loggerFactory.NewLogger("ice"), packetConn)

	// Detached data channels give stream-oriented ReadWriteCloser
	// access. Loopback candidates are needed for same-machine peers.
	settingEngine := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)
	settingEngine.SetICEUDPMux(mux)
	// mDNS would open its own multicast socket outside the backend.
	settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	if config.Family == socket.FamilyIPv6 {
		settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP6})
	} else {
		settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	logger.Info("ICE endpoint open",
		"backend", config.Backend.Name(),
		"local", packetConn.LocalAddr().String(),
	)

	return &WebRTCTransport{
		name:               config.Name,
		signaler:           config.Signaler,
		logger:             logger,
		clock:              options.Clock,
		signalingInterval:  config.SignalingInterval,
		answerInterval:     config.AnswerInterval,
		endpoint:           endpoint,
		mux:                mux,
		api:                webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		iceConfig:          config.ICE,
		peers:              make(map[string]*peerState),
		inboundConnections: make(chan net.Conn, 64),
		ready:              make(chan struct{}),
		closed:             make(chan struct{}),
	}, nil
}

// Ready returns a channel that is closed once Serve has started the
// signaling poller.
func (wt *WebRTCTransport) Ready() <-chan struct{} {
	return wt.ready
}

// Serve polls for inbound offers and dispatches incoming data channels
// to handler. Blocks until ctx is cancelled or Close is called.
func (wt *WebRTCTransport) Serve(ctx context.Context, handler http.Handler) error {
	go wt.signalingPoller(ctx)

	wt.readyOnce.Do(func() { close(wt.ready) })

	listener := &chanListener{
		connections: wt.inboundConnections,
		closed:      wt.closed,
	}

	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		ErrorLog:     slog.NewLogLogger(wt.logger.Handler(), slog.LevelWarn),
	}

	go func() {
		select {
		case <-ctx.Done():
			server.Close()
		case <-wt.closed:
			server.Close()
		}
	}()

	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Address returns the node name, which is what peers dial.
func (wt *WebRTCTransport) Address() string {
	return wt.name
}

// LocalAddr returns the address ICE traffic is bound to.
func (wt *WebRTCTransport) LocalAddr() net.Addr {
	return wt.endpoint.LocalAddr()
}

// Close shuts down every PeerConnection, the ICE mux, and the shared
// endpoint.
func (wt *WebRTCTransport) Close() error {
	first := false
	wt.closeOnce.Do(func() {
		close(wt.closed)
		first = true
	})

	// pion reports the Closed state synchronously from Close, and
	// the state handler takes wt.mu.
	wt.mu.Lock()
	peers := wt.peers
	wt.peers = make(map[string]*peerState)
	wt.mu.Unlock()
	for _, peer := range peers {
		peer.connection.Close()
	}

	if !first {
		return nil
	}
	return errors.Join(wt.mux.Close(), wt.endpoint.Close())
}

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing ones keep theirs.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// DialContext opens an ordered, reliable data channel to the node
// named address, establishing a PeerConnection first if needed.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.getOrCreatePeer(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", address, err)
	}

	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	return wt.openDataChannel(ctx, peer)
}

// getOrCreatePeer returns the peerState for name, creating and
// signaling a new PeerConnection if necessary. Concurrent callers wait
// on the same attempt.
func (wt *WebRTCTransport) getOrCreatePeer(ctx context.Context, name string) (*peerState, error) {
	wt.mu.Lock()

	var dead *webrtc.PeerConnection
	if peer, ok := wt.peers[name]; ok {
		if alive(peer.connection) {
			wt.mu.Unlock()
			return peer, nil
		}
		dead = peer.connection
		delete(wt.peers, name)
	}
	if dead != nil {
		defer dead.Close()
	}

	// Register before unlocking so concurrent callers find this entry.
	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerState{
		connection:  pc,
		name:        name,
		established: make(chan struct{}),
	}
	wt.peers[name] = peer
	wt.mu.Unlock()

	if err := wt.establishOutbound(ctx, peer); err != nil {
		wt.mu.Lock()
		if current, ok := wt.peers[name]; ok && current == peer {
			delete(wt.peers, name)
		}
		wt.mu.Unlock()
		pc.Close()
		return nil, err
	}

	return peer, nil
}

func alive(pc *webrtc.PeerConnection) bool {
	state := pc.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}

// establishOutbound signals a PeerConnection already registered in the
// peers map. peer.established is closed by the ICE state handler.
func (wt *WebRTCTransport) establishOutbound(ctx context.Context, peer *peerState) error {
	pc := peer.connection
	wt.watch(peer)

	// The init channel only forces a data channel section into the SDP.
	if _, err := pc.CreateDataChannel(initChannelLabel, nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := wt.gather(ctx, pc, offer); err != nil {
		return err
	}

	if err := wt.signaler.PublishOffer(ctx, wt.name, peer.name, pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	wt.logger.Info("WebRTC offer published", "peer", peer.name)

	answerSDP, err := wt.waitForAnswer(ctx, peer.name)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peer.name, err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wt.logger.Info("WebRTC outbound connection signaled", "peer", peer.name)
	return nil
}

// gather sets description as the local description and waits for
// candidate gathering to finish.
func (wt *WebRTCTransport) gather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
		return nil
	case <-wt.clock.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watch registers the inbound data channel and ICE state handlers.
func (wt *WebRTCTransport) watch(peer *peerState) {
	peer.connection.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peer.name)
	})
	peer.connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peer, state)
	})
}

// waitForAnswer polls the signaler for an SDP answer from name.
func (wt *WebRTCTransport) waitForAnswer(ctx context.Context, name string) (string, error) {
	deadline := wt.clock.After(answerTimeout)
	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-wt.clock.After(wt.answerInterval):
		}

		answers, err := wt.signaler.PollAnswers(ctx, wt.name)
		if err != nil {
			wt.logger.Warn("polling for SDP answer failed", "error", err)
			continue
		}
		for _, answer := range answers {
			if answer.Peer == name {
				return answer.SDP, nil
			}
		}
	}
}

// signalingPoller checks for inbound offers until ctx is done or the
// transport closes.
func (wt *WebRTCTransport) signalingPoller(ctx context.Context) {
	for {
		wt.processInboundOffers(ctx)
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-wt.clock.After(wt.signalingInterval):
		}
	}
}

// processInboundOffers answers every new offer.
func (wt *WebRTCTransport) processInboundOffers(ctx context.Context) {
	offers, err := wt.signaler.PollOffers(ctx, wt.name)
	if err != nil {
		wt.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		wt.mu.Lock()
		existing, hasExisting := wt.peers[offer.Peer]
		if hasExisting {
			// When both sides dial at once, the lexicographically
			// smaller name is the offerer. A live connection wins only
			// if we are that offerer.
			if alive(existing.connection) && offer.Peer > wt.name {
				wt.mu.Unlock()
				continue
			}
			delete(wt.peers, offer.Peer)
		}
		wt.mu.Unlock()
		if hasExisting {
			existing.connection.Close()
		}

		if err := wt.answerOffer(ctx, offer); err != nil {
			wt.logger.Error("answering WebRTC offer failed",
				"peer", offer.Peer,
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an inbound offer.
func (wt *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerState{
		connection:  pc,
		name:        offer.Peer,
		established: make(chan struct{}),
	}
	wt.watch(peer)

	fail := func(err error) error {
		pc.Close()
		return err
	}

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP answer: %w", err))
	}
	if err := wt.gather(ctx, pc, answer); err != nil {
		return fail(err)
	}

	if err := wt.signaler.PublishAnswer(ctx, offer.Peer, wt.name, pc.LocalDescription().SDP); err != nil {
		return fail(fmt.Errorf("publishing SDP answer: %w", err))
	}

	wt.mu.Lock()
	wt.peers[offer.Peer] = peer
	wt.mu.Unlock()

	wt.logger.Info("WebRTC inbound connection answered", "peer", offer.Peer)
	return nil
}

// initChannelLabel names the data channel that only exists to put a
// data channel section in the offer.
const initChannelLabel = "init"

// handleInboundDataChannel wraps an incoming data channel as a net.Conn
// and hands it to Serve.
func (wt *WebRTCTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peerName string) {
	// Nobody reads the init channel. Accepting it would park an HTTP
	// goroutine on it until ReadTimeout.
	if dc.Label() == initChannelLabel {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	wt.logger.Debug("inbound data channel received", "peer", peerName, "label", dc.Label())
	dc.OnOpen(func() {
		rawChannel, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peerName,
				"label", dc.Label(),
				"error", err,
			)
			return
		}

		conn := NewDataChannelConn(
			rawChannel,
			wt.name+"/"+dc.Label(),
			peerName+"/"+dc.Label(),
			wt.clock,
		)

		select {
		case wt.inboundConnections <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

// handleICEStateChange manages peer.established and drops closed
// connections from the peers map.
func (wt *WebRTCTransport) handleICEStateChange(peer *peerState, state webrtc.ICEConnectionState) {
	wt.logger.Info("ICE state change", "peer", peer.name, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		wt.mu.Lock()
		select {
		case <-peer.established:
		default:
			close(peer.established)
		}
		wt.mu.Unlock()

	case webrtc.ICEConnectionStateFailed:
		// getOrCreatePeer notices the failed state on the next dial.
		wt.logger.Warn("WebRTC connection failed, will re-establish on next dial", "peer", peer.name)

	case webrtc.ICEConnectionStateClosed:
		wt.mu.Lock()
		if current, ok := wt.peers[peer.name]; ok && current == peer {
			delete(wt.peers, peer.name)
		}
		wt.mu.Unlock()
	}
}

// openDataChannel creates a new ordered, reliable data channel on the
// peer's PeerConnection and returns it as a net.Conn.
func (wt *WebRTCTransport) openDataChannel(ctx context.Context, peer *peerState) (net.Conn, error) {
	label := fmt.Sprintf("http-%d", wt.channelCounter.Add(1))

	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	select {
	case <-opened:
	case <-wt.clock.After(channelOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, channelOpenTimeout)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	wt.logger.Debug("data channel opened", "label", label, "peer", peer.name)
	return NewDataChannelConn(
		rawChannel,
		wt.name+"/"+label,
		peer.name+"/"+label,
		wt.clock,
	), nil
}

func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{ICEServers: wt.iceConfig.Servers}
	wt.configMu.RUnlock()
	return wt.api.NewPeerConnection(config)
}

// chanListener implements net.Listener over the inbound connection
// channel.
type chanListener struct {
	connections <-chan net.Conn
	closed      <-chan struct{}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-l.connections:
		if !ok {
			return nil, net.ErrClosed
		}
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close is a no-op; WebRTCTransport.Close owns the lifecycle.
func (l *chanListener) Close() error {
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return &dataChannelAddr{label: "webrtc-listener"}
}
