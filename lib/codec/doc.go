// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by the
// control socket server and busdctl.
//
// D-Bus traffic itself uses the D-Bus wire format in lib/wire. CBOR is
// only used on the administrative control socket, where both ends are
// busd binaries. The encoder uses Core Deterministic Encoding, so the
// same logical value always produces identical bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that are also printed by busdctl --json carry `json` tags only.
// fxamacker/cbor falls back to `json` tags when `cbor` tags are absent,
// so one tag controls field naming in both formats. Types that never
// leave the control protocol use `cbor` tags.
package codec
