// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for peersock
// programs.
//
// Configuration is loaded from a single file specified by either the
// PEERSOCK_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. Files ending in .json or .jsonc are
// read as JSON with comments.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override the socket, stun
// and log sections when [Config].Environment matches. Production
// defaults to warn-level logging.
//
// ${HOME} and ${VAR:-default} patterns are expanded in address fields
// after loading. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Socket, Event, STUN, Log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.SocketOptions] -- the socket section as socket.Options
package config
