// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	saved := GitDirty
	t.Cleanup(func() { GitDirty = saved })

	GitDirty = "true"
	if info := Info(); !strings.Contains(info, GitCommit+"-dirty") {
		t.Fatalf("Info() = %q, want dirty marker", info)
	}
	GitDirty = "false"
	if info := Info(); strings.Contains(info, "-dirty") {
		t.Fatalf("Info() = %q, want no dirty marker", info)
	}
}

func TestFullIncludesBackend(t *testing.T) {
	if full := Full(); !strings.Contains(full, Backend+" backend") || !strings.Contains(full, "Go: ") {
		t.Fatalf("Full() = %q", full)
	}
}
