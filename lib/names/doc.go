// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package names is the bus-wide table of name ownership.
//
// Two kinds of names share one lookup namespace. Unique names (":1.42")
// are registered once when a connection says Hello and disappear only
// when that connection closes; they are never queued, replaced, or
// released. Well-known names ("com.example.Foo") have at most one
// primary owner and a FIFO queue of connections waiting to take over.
//
// The registry stores connections by unique name only. It never holds
// a reference to a live connection, so a closed connection cannot be
// reached through a stale registry entry: RemoveConnection strips every
// trace of it in one critical section and reports the ownership changes
// the caller must broadcast as NameOwnerChanged, NameLost, and
// NameAcquired.
//
// Every operation runs under a single mutex and performs no I/O, so
// concurrent requests for the same name resolve in lock-acquisition
// order: the first request wins and later ones queue behind it.
package names
