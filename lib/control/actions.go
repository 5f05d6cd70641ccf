// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/busd/lib/bus"
	"github.com/bureau-foundation/busd/lib/codec"
	"github.com/bureau-foundation/busd/lib/names"
	"github.com/bureau-foundation/busd/lib/version"
)

// Bus is the view of the message bus the control actions report on.
type Bus interface {
	Status() bus.Status
	Peers() []bus.Peer
	Names() []names.Snapshot
}

// StatusResponse is the data of the status action.
type StatusResponse struct {
	bus.Status
	Version string `json:"version"`
}

// PeersRequest filters the peers action. An empty UniqueName lists
// every connection.
type PeersRequest struct {
	UniqueName string `cbor:"unique_name,omitempty"`
}

// NamesRequest filters the names action. An empty Name lists every
// well-known name.
type NamesRequest struct {
	Name string `cbor:"name,omitempty"`
}

// RegisterBus registers the status, peers, names and reload actions.
// reload may be nil, in which case the reload action fails.
func RegisterBus(server *Server, b Bus, reload func(context.Context) error) {
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return StatusResponse{Status: b.Status(), Version: version.Short()}, nil
	})

	server.Handle("peers", func(ctx context.Context, raw []byte) (any, error) {
		var request PeersRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid peers request: %w", err)
		}
		peers := b.Peers()
		if request.UniqueName == "" {
			return peers, nil
		}
		for _, peer := range peers {
			if peer.UniqueName == request.UniqueName {
				return []bus.Peer{peer}, nil
			}
		}
		return nil, fmt.Errorf("no connection named %q", request.UniqueName)
	})

	server.Handle("names", func(ctx context.Context, raw []byte) (any, error) {
		var request NamesRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid names request: %w", err)
		}
		snapshots := b.Names()
		if request.Name == "" {
			return snapshots, nil
		}
		for _, snapshot := range snapshots {
			if snapshot.Name == request.Name {
				return []names.Snapshot{snapshot}, nil
			}
		}
		return nil, fmt.Errorf("name %q has no owner", request.Name)
	})

	server.Handle("reload", func(ctx context.Context, raw []byte) (any, error) {
		if reload == nil {
			return nil, fmt.Errorf("reload is not configured")
		}
		if err := reload(ctx); err != nil {
			return nil, fmt.Errorf("reload failed: %w", err)
		}
		return nil, nil
	})
}
