// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net"
	"os/user"
	"strconv"
)

// Credentials identify the process on the other end of a connection, as
// reported by the kernel.
type Credentials struct {
	UID     uint32
	HaveUID bool
	PID     uint32
	HavePID bool
	GIDs    []uint32
}

// PeerCredentials reads the credentials of conn's peer. Connections
// other than Unix sockets return zero Credentials and no error.
func PeerCredentials(conn net.Conn) (Credentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}, nil
	}
	credentials, err := peerCredentials(unixConn)
	if err != nil {
		return Credentials{}, err
	}
	if credentials.HaveUID {
		credentials.GIDs = groupsOf(credentials.UID, credentials.GIDs)
	}
	return credentials, nil
}

// groupsOf returns the user's supplementary groups, appended to
// primary. Lookup failures leave primary unchanged.
func groupsOf(uid uint32, primary []uint32) []uint32 {
	account, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return primary
	}
	ids, err := account.GroupIds()
	if err != nil {
		return primary
	}
	groups := primary
	for _, id := range ids {
		gid, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		duplicate := false
		for _, existing := range groups {
			if existing == uint32(gid) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			groups = append(groups, uint32(gid))
		}
	}
	return groups
}
