// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor produces when
// saving a file. A steady stream of writes still reloads once per
// window.
const reloadDebounce = 250 * time.Millisecond

// watchConfig calls reload whenever path changes, until ctx is
// cancelled. The parent directory is watched so that files replaced by
// rename are still seen.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func(context.Context) error) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// The first event arms the timer. Later events in the
			// window are folded into the same reload.
			if pending == nil {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := reload(ctx); err != nil {
				logger.Error("configuration reload failed; keeping the previous policy", "error", err)
			}
		}
	}
}
