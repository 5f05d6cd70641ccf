// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport creates the sockets the bus listens on and admits
// incoming connections.
//
// Addresses use the D-Bus address syntax: a transport name, a colon, and
// comma-separated key=value pairs, with several addresses joined by
// semicolons. Values are percent-escaped.
//
//	unix:path=/run/user/1000/bus
//	unix:abstract=/tmp/dbus-test;tcp:host=127.0.0.1,port=0
//	unix:tmpdir=/tmp
//
// [Listen] binds one address and reports the connectable address a
// client should use, with tmpdir and port 0 resolved.
//
// For Unix sockets the peer's uid, pid and groups are read from the
// kernel with SO_PEERCRED when the connection is accepted and passed to
// the handler as [Credentials]. They are captured once and never taken
// from the client. TCP connections carry no credentials.
//
// [Server] runs the accept loop with admission limits: a global
// connection cap, a per-uid cap, and an accept rate limit.
package transport
