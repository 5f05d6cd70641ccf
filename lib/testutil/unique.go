// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strconv"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID appends a process-wide sequence number to prefix. The
// separator is a hyphen, which bus names allow, so a well-known name
// prefix yields a fresh well-known name:
//
//	testutil.UniqueID("com.example.Svc") // "com.example.Svc-1", "com.example.Svc-2", ...
func UniqueID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(uniqueCounter.Add(1), 10)
}
