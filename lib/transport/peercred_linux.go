// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func peerCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("peer credentials: %w", err)
	}
	var ucred *unix.Ucred
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Credentials{}, fmt.Errorf("peer credentials: %w", err)
	}
	if sockErr != nil {
		return Credentials{}, fmt.Errorf("SO_PEERCRED: %w", sockErr)
	}
	return Credentials{
		UID:     ucred.Uid,
		HaveUID: true,
		PID:     uint32(ucred.Pid),
		HavePID: ucred.Pid > 0,
		GIDs:    []uint32{ucred.Gid},
	}, nil
}
