// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// signalingSeparator joins offerer and target names into a store key.
const signalingSeparator = "|"

// MemorySignaler is an in-process Signaler. Two WebRTCTransports
// sharing one MemorySignaler can establish PeerConnections without any
// network signaling.
type MemorySignaler struct {
	mu       sync.Mutex
	sequence uint64
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]uint64        // key: "store:consumer:offerer|target"
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]uint64),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, name, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	s.offers[name+signalingSeparator+target] = SignalMessage{Peer: name, SDP: sdp, Sequence: s.sequence}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, name, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	s.answers[offerer+signalingSeparator+name] = SignalMessage{Peer: name, SDP: sdp, Sequence: s.sequence}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.pollSignals(name, s.offers, "offers", matchOfferKey), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.pollSignals(name, s.answers, "answers", matchAnswerKey), nil
}

// signalKeyMatcher reports whether a store key concerns name.
type signalKeyMatcher func(key, name string) bool

// matchOfferKey matches offers whose target is name.
func matchOfferKey(key, name string) bool {
	offerer, found := strings.CutSuffix(key, signalingSeparator+name)
	return found && offerer != ""
}

// matchAnswerKey matches answers to offers name made.
func matchAnswerKey(key, name string) bool {
	target, found := strings.CutPrefix(key, name+signalingSeparator)
	return found && target != ""
}

// pollSignals returns the messages in store whose keys match name and
// that this consumer has not seen.
func (s *MemorySignaler) pollSignals(name string, store map[string]SignalMessage, storeLabel string, match signalKeyMatcher) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for key, message := range store {
		if !match(key, name) {
			continue
		}
		seenKey := storeLabel + ":" + name + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && message.Sequence <= last {
			continue
		}
		s.lastSeen[seenKey] = message.Sequence
		messages = append(messages, message)
	}
	return messages
}
