// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/bureau-foundation/busd/lib/version.GitCommit=..."
// by release builds. A plain "go build" leaves them empty and the VCS
// stamp from the build info is used instead.
var (
	GitCommit = ""
	GitDirty  = ""
	BuildTime = ""
	Version   = "0.1.0-dev"
)

// Info returns "version (commit[-dirty], time)".
func Info() string {
	commit, dirty, built := stamp()
	if dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, built)
}

// Full returns Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the version number alone.
func Short() string {
	return Version
}

// Print writes the binary name and Full to stdout.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Full())
}

func stamp() (commit string, dirty bool, built string) {
	commit, dirty, built = GitCommit, GitDirty == "true", BuildTime
	if commit != "" {
		return commit, dirty, orUnknown(built)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown", dirty, orUnknown(built)
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		case "vcs.time":
			if built == "" {
				built = setting.Value
			}
		}
	}
	return orUnknown(commit), dirty, orUnknown(built)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
