// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for busd packages.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. Unix domain sockets have a 108-byte path limit
// (sun_path in sockaddr_un), and test runners often set TMPDIR to
// deeply nested paths that exceed it, making t.TempDir() unsuitable for
// socket files. The directory is removed when the test completes.
//
// [RequireReceive] and [RequireClosed] wait on a channel with a
// wall-clock bound so that a broken connection fails the test instead
// of hanging it.
//
// [UniqueID] generates monotonically increasing identifiers, for tests
// that need distinct bus names or payloads without consulting the clock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no busd-internal dependencies.
package testutil
