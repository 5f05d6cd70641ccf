// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for busd.
//
// Configuration is loaded from a single file specified by either the
// BUSD_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). Without either, busd runs with [Default]: a session
// bus for the invoking user on $XDG_RUNTIME_DIR/bus. There is no file
// search. Files ending in .json or .jsonc are accepted with comments
// and trailing commas.
//
// Variable expansion is performed on listen addresses, control_socket
// and metrics_listen after loading: ${VAR} and ${VAR:-default} patterns
// are expanded from the environment.
//
// The policy section is an ordered list of [RuleConfig] entries.
// [Config.PolicyRules] converts it to policy engine rules, resolving
// user and group names through a [Resolver]. A session bus with no
// policy section gets the session defaults: only the owner may connect.
//
// Key exports:
//
//   - [Config] -- listen addresses, auth, limits, control socket, policy
//   - [Default] -- session bus configuration
//   - [Load], [LoadFile] and [Parse] -- the entry points for loading
package config
