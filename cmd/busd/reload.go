// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/busd/lib/config"
	"github.com/bureau-foundation/busd/lib/policy"
)

// reloader re-reads the configuration file and replaces the policy.
// Listen addresses, limits and the control socket are fixed for the
// life of the process; changing them needs a restart.
type reloader struct {
	path     string
	owner    uint32
	engine   *policy.Engine
	logger   *slog.Logger
	resolver config.Resolver

	mu sync.Mutex
}

func (r *reloader) reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.path == "" {
		r.logger.Info("no configuration file to reload")
		return nil
	}
	cfg, err := config.LoadFile(r.path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", r.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	resolver := r.resolver
	if resolver == nil {
		resolver = config.SystemResolver{}
	}
	rules, err := cfg.PolicyRules(r.owner, resolver)
	if err != nil {
		return err
	}
	if err := r.engine.Reload(rules); err != nil {
		return fmt.Errorf("applying policy: %w", err)
	}
	r.logger.Info("configuration reloaded", "path", r.path, "rules", len(rules))
	return nil
}
