// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// Signaler abstracts the exchange of WebRTC session descriptions
// between nodes. Tests and single-process deployments use
// MemorySignaler; anything that can store a small record per
// (offerer, target) pair can implement it.
//
// The signaling model is vanilla ICE: all candidates are gathered
// before the SDP is published, so establishment needs exactly one
// round-trip (offer, then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer from name to target,
	// replacing any earlier offer between the two.
	PublishOffer(ctx context.Context, name, target, sdp string) error

	// PublishAnswer publishes a complete SDP answer from name to the
	// offerer.
	PublishAnswer(ctx context.Context, offerer, name, sdp string) error

	// PollOffers returns offers directed at name that the caller has
	// not seen yet.
	PollOffers(ctx context.Context, name string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers name originated that the
	// caller has not seen yet.
	PollAnswers(ctx context.Context, name string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for received offers, the
	// answerer for received answers.
	Peer string

	// SDP is the complete session description with every ICE
	// candidate embedded.
	SDP string

	// Sequence orders publications of the same key. Later publications
	// have larger values.
	Sequence uint64
}
