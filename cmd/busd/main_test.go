// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/busd/lib/auth"
	"github.com/bureau-foundation/busd/lib/config"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

const twoRulePolicy = `
policy:
  - allow: connect
    user: "1000"
  - allow: own
    own_prefix: com.example
`

func TestNewGUID(t *testing.T) {
	first, second := newGUID(), newGUID()
	if len(first) != 32 || first == second {
		t.Errorf("newGUID() = %q, %q", first, second)
	}
	for _, c := range first {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			t.Fatalf("newGUID() = %q contains %q", first, c)
		}
	}
}

func TestMachineIDPrefersConfigured(t *testing.T) {
	if got := machineID("fedcba9876543210fedcba9876543210"); got != "fedcba9876543210fedcba9876543210" {
		t.Errorf("machineID = %q", got)
	}
}

func TestCookieKeyringFollowsListeners(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keyrings")

	cfg, err := config.Parse([]byte("listen: [unix:abstract=busd-cookie-test]\nauth: {keyring_dir: " + dir + "}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	keyring, err := cookieKeyring(cfg, 1000)
	if err != nil || keyring != nil {
		t.Fatalf("unix-only bus: keyring = %v, err = %v; want neither", keyring, err)
	}

	cfg, err = config.Parse([]byte("listen: [\"tcp:host=127.0.0.1,port=0\"]\nauth: {keyring_dir: " + dir + "}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	keyring, err = cookieKeyring(cfg, 1000)
	if err != nil {
		t.Fatalf("cookieKeyring: %v", err)
	}
	if keyring == nil || keyring.Dir() != dir {
		t.Fatalf("keyring = %v, want one in %s", keyring, dir)
	}
	if _, uid := keyring.Owner(); uid != 1000 {
		t.Errorf("keyring owner uid = %d, want 1000", uid)
	}
	if _, err := os.Stat(filepath.Join(dir, auth.CookieContext)); err != nil {
		t.Errorf("keyring not prepared at startup: %v", err)
	}
}

func TestReloadReplacesPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busd.yaml")
	writeConfig(t, path, "listen: [unix:abstract=busd-reload-test]\n")

	engine, err := policy.NewEngine(policy.SessionDefaults(1000))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r := &reloader{path: path, owner: 1000, engine: engine, logger: testLogger()}

	writeConfig(t, path, twoRulePolicy)
	if err := r.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rules := engine.Rules(); len(rules) != 2 {
		t.Errorf("engine has %d rules after reload, want 2", len(rules))
	}

	writeConfig(t, path, "policy: [{allow: nothing}]\n")
	if err := r.reload(context.Background()); err == nil {
		t.Error("reload accepted an invalid policy")
	}
	if rules := engine.Rules(); len(rules) != 2 {
		t.Errorf("failed reload changed the policy to %d rules", len(rules))
	}
}

func TestReloadWithoutFile(t *testing.T) {
	engine, err := policy.NewEngine(policy.SessionDefaults(1000))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r := &reloader{owner: 1000, engine: engine, logger: testLogger()}
	if err := r.reload(context.Background()); err != nil {
		t.Errorf("reload without a file = %v", err)
	}
	if rules := engine.Rules(); len(rules) != len(policy.SessionDefaults(1000)) {
		t.Errorf("policy changed to %d rules", len(rules))
	}
}

func TestWatchConfigReloadsOnChange(t *testing.T) {
	directory := testutil.SocketDir(t)
	path := filepath.Join(directory, "busd.yaml")
	writeConfig(t, path, "type: session\n")

	reloads := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchConfig(ctx, path, testLogger(), func(context.Context) error {
			select {
			case reloads <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	// The watch is registered asynchronously, so keep writing until a
	// reload is observed. Writes closer together than the debounce
	// window must not postpone it.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(reloadDebounce / 3)
	defer ticker.Stop()
	for reloaded := false; !reloaded; {
		select {
		case <-reloads:
			reloaded = true
		case <-ticker.C:
			writeConfig(t, path, twoRulePolicy)
		case <-deadline:
			t.Fatal("configuration change did not trigger a reload")
		}
	}

	// Files other than the configuration are ignored.
	writeConfig(t, filepath.Join(directory, "other.yaml"), "x: 1\n")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "watchConfig did not return"); err != nil {
		t.Errorf("watchConfig returned %v", err)
	}
}
