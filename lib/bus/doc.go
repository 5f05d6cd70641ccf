// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the message bus: per-connection state machines,
// message routing, and the org.freedesktop.DBus driver.
//
// A connection moves through four states. It authenticates with the
// SASL handshake in lib/auth, at which point the connect policy is
// applied and a unique name of the form ":1.N" is reserved. Its first
// message must be Hello to the bus; Hello registers the unique name and
// makes the connection routable. It closes on disconnect, protocol
// violation, an outgoing queue that stays full, or bus shutdown.
//
// Each connection has one reader goroutine, which decodes a message and
// routes it before reading the next, and one writer goroutine draining
// a bounded queue of encoded messages. Routing never holds a lock while
// writing to a socket, so a slow peer only ever blocks the sender of a
// message addressed to it, and only for Limits.QueueFullTimeout.
//
// Routing by message type:
//
//   - Method calls go to the owner of the destination name. Calls that
//     expect a reply are recorded so that only the callee can answer
//     them, once. A caller whose callee disconnects gets NoReply.
//   - Replies and errors are delivered only if they answer a recorded
//     call.
//   - Signals go to the destination, if any, and to every connection
//     with a matching rule from AddMatch.
//
// Every delivery is checked against the sender's send policy and the
// recipient's receive policy (see lib/policy). Monitors registered with
// BecomeMonitor additionally see each message the bus accepts.
//
// Name ownership changes are serialized with the NameOwnerChanged,
// NameLost and NameAcquired signals they produce, so all peers observe
// changes in commit order.
package bus
