// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the one CBOR configuration peersock encodes
// with. The raw stack's tunnel link (lib/rawstack.PacketLink) carries
// frames between hosts as CBOR so that a frame is a self-describing
// map rather than a hand-packed header, and deterministic encoding
// keeps identical frames byte-identical on the wire.
//
//	data, err := codec.Marshal(frame)
//	err = codec.Unmarshal(data, &frame)
//
// Types that only ever travel as CBOR carry `cbor` struct tags.
package codec
