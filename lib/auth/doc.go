// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the server side of the D-Bus SASL handshake.
//
// Before any binary message is exchanged, a client sends a single NUL
// byte followed by CRLF-terminated text commands (AUTH, DATA, CANCEL,
// ERROR, NEGOTIATE_UNIX_FD, BEGIN). The server answers each with
// REJECTED, OK, DATA, or ERROR. Handshake drives this exchange as an
// explicit state machine and returns once the client sends BEGIN after
// a successful OK, leaving any pipelined binary bytes buffered in the
// same bufio.Reader for the message loop.
//
// Identity never comes from the client. The EXTERNAL mechanism only
// succeeds when the uid the client claims (hex-encoded ASCII decimal)
// equals the uid captured from the transport; an empty claim means
// "whatever the transport says". ANONYMOUS is accepted only when the
// caller enables it.
//
// DBUS_COOKIE_SHA1 serves transports without peer credentials, such as
// TCP. The client names a user, the server answers with a cookie id
// from that user's Keyring and a random challenge, and the client
// proves it can read the keyring by returning the SHA-1 of both
// challenges and the cookie secret. The authenticated uid is the
// keyring owner's.
//
// The handshake is bounded: a fixed number of rejected attempts, a
// maximum line length, and a maximum number of commands. The caller
// owns the wall-clock deadline (typically via SetDeadline on the
// connection).
package auth
