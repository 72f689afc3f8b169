// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the release version.
	Version = "0.1.0-dev"

	// Backend is the socket backend compiled in. socket/backend sets it
	// from its build-tagged file.
	Backend = "posix"
)

// Info returns the one-line --version string.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s, %s backend)", Version, GitCommit, dirty, BuildTime, Backend)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	var b strings.Builder
	b.WriteString(Info())
	fmt.Fprintf(&b, "\n  Go: %s\n  Platform: %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return b.String()
}
