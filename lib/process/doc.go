// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the busd and busdctl
// binaries. [Fatal] reports an error from run() to stderr, where the
// structured logger may not exist yet, and exits with status 1.
package process
