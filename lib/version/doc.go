// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for busd and
// busdctl.
//
// Four package-level variables are injected at build time via
// -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/busd/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without them the commit and build time come from the VCS stamp Go
// records in the binary, else "unknown". [Info] is printed by --version, [Full] adds the Go version
// and platform, and [Short] is reported by the control socket status
// action.
package version
