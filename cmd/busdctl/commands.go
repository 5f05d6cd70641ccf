// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bureau-foundation/busd/lib/bus"
	"github.com/bureau-foundation/busd/lib/control"
	"github.com/bureau-foundation/busd/lib/names"
)

type client struct {
	socketPath string
	outputJSON bool
	stdout     io.Writer
}

func (c *client) status(ctx context.Context) error {
	var status control.StatusResponse
	if err := control.Call(ctx, c.socketPath, "status", nil, &status); err != nil {
		return err
	}
	if c.outputJSON {
		return c.writeJSON(status)
	}
	writer := tabwriter.NewWriter(c.stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "guid:\t%s\n", status.GUID)
	fmt.Fprintf(writer, "version:\t%s\n", status.Version)
	fmt.Fprintf(writer, "uptime:\t%s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(writer, "connections:\t%d (%d active)\n", status.Connections, status.Active)
	fmt.Fprintf(writer, "names:\t%d\n", status.Names)
	fmt.Fprintf(writer, "routed:\t%d\n", status.Routed)
	fmt.Fprintf(writer, "dropped:\t%d\n", status.Dropped)
	return writer.Flush()
}

func (c *client) peers(ctx context.Context, uniqueName string) error {
	var fields map[string]any
	if uniqueName != "" {
		fields = map[string]any{"unique_name": uniqueName}
	}
	var peers []bus.Peer
	if err := control.Call(ctx, c.socketPath, "peers", fields, &peers); err != nil {
		return err
	}
	if c.outputJSON {
		return c.writeJSON(peers)
	}
	writer := tabwriter.NewWriter(c.stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "NAME\tSTATE\tUID\tPID\tMATCHES\tQUEUE\tNAMES\n")
	for _, peer := range peers {
		name := peer.UniqueName
		if name == "" {
			name = "-"
		}
		state := peer.State
		if peer.Monitor {
			state += " (monitor)"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			name, state, optionalID(peer.UID), optionalID(peer.PID),
			peer.MatchRules, peer.QueueDepth, strings.Join(peer.Names, ","))
	}
	return writer.Flush()
}

func (c *client) names(ctx context.Context, name string) error {
	var fields map[string]any
	if name != "" {
		fields = map[string]any{"name": name}
	}
	var snapshots []names.Snapshot
	if err := control.Call(ctx, c.socketPath, "names", fields, &snapshots); err != nil {
		return err
	}
	if c.outputJSON {
		return c.writeJSON(snapshots)
	}
	writer := tabwriter.NewWriter(c.stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "NAME\tOWNER\tQUEUED\n")
	for _, snapshot := range snapshots {
		queued := strings.Join(snapshot.Queue, ",")
		if queued == "" {
			queued = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", snapshot.Name, snapshot.Owner, queued)
	}
	return writer.Flush()
}

func (c *client) reload(ctx context.Context) error {
	if err := control.Call(ctx, c.socketPath, "reload", nil, nil); err != nil {
		return err
	}
	if c.outputJSON {
		return c.writeJSON(map[string]bool{"reloaded": true})
	}
	_, err := fmt.Fprintln(c.stdout, "configuration reloaded")
	return err
}

// writeJSON writes value as indented JSON. Nil slices are written as []
// rather than null.
func (c *client) writeJSON(value any) error {
	if v := reflect.ValueOf(value); v.Kind() == reflect.Slice && v.IsNil() {
		value = reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	encoder := json.NewEncoder(c.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func optionalID(id *uint32) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprint(*id)
}
