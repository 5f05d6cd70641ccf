// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements busd's administrative socket.
//
// The protocol is one CBOR request and one CBOR response per unix
// socket connection. A request is a map with an "action" field and
// action-specific fields; the response is [Response]: {ok, error, data}.
// Only root and the bus owner may connect.
//
// [RegisterBus] installs the actions busdctl uses:
//
//   - status: GUID, uptime, connection and name counts, routed and
//     dropped message counters, and the busd version
//   - peers: every connection with its unique name, state, credentials,
//     owned names, match rule count, monitor flag and queue depth
//   - names: every well-known name with its owner and queue
//   - reload: re-read the configuration and replace the policy
//
// [Call] is the client side.
package control
