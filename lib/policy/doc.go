// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether a connection may connect, send, receive
// or own a name.
//
// A policy is an ordered list of [Rule] values. Each rule belongs to a
// scope that selects which connections it applies to:
//
//   - ScopeDefault: every connection.
//   - ScopeGroup: connections whose credentials include the group.
//   - ScopeUser: connections with the given uid.
//   - ScopeMandatory: every connection, evaluated last.
//
// Rules are ordered by scope (default, group, user, mandatory) and then
// by their position in the list. The last rule that matches a query
// decides it. When nothing matches the query is denied, except for
// replies the receiver asked for, which are allowed.
//
// # Eavesdropping
//
// A receive query with Eavesdrop set asks whether a connection may see a
// message that was not addressed to it (monitors, eavesdrop match rules).
// For such queries an allow rule applies only if it sets Eavesdrop; deny
// rules always apply. For ordinary receives, deny rules that set
// Eavesdrop are skipped.
//
// # Reload
//
// The [Engine] holds an immutable compiled rule list behind an atomic
// pointer. [Engine.Reload] swaps in a new list; queries already in
// flight finish against the list they started with.
package policy
