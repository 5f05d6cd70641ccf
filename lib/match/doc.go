// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package match parses D-Bus match rules and decides which connections
// subscribe to a message.
//
// A match rule is a comma-separated list of key='value' pairs:
//
//	type='signal',interface='com.example.Bar',member='Changed'
//	type='signal',sender='org.freedesktop.DBus',arg0='com.example.Foo'
//	path_namespace='/com/example',arg1path='/tmp/'
//
// Every key present must match; absent keys match anything. A Rule is
// an immutable value, and Rule.String renders the canonical form used
// to deduplicate rules.
//
// [Registry] holds each connection's rules with reference counts, so a
// connection that adds the same rule twice must remove it twice. It also
// holds monitor registrations, which see traffic regardless of its
// destination. [Registry.Subscribers] and [Registry.Monitors] return
// lazy sequences computed from a snapshot, so no lock is held while the
// caller delivers to each subscriber.
package match
