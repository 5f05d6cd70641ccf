// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// busd is a D-Bus message bus daemon.
//
// It listens on the configured D-Bus addresses, authenticates clients
// with SASL EXTERNAL (DBUS_COOKIE_SHA1 on tcp listeners, ANONYMOUS when
// allowed), and routes messages
// between them under the configured policy. An administrative control
// socket serves busdctl, and Prometheus metrics are optionally exposed
// over HTTP.
//
// Configuration comes from --config, else BUSD_CONFIG, else the
// built-in session bus defaults for the invoking user. The policy is
// re-read when the configuration file changes, on ReloadConfig, on
// "busdctl reload", and on SIGHUP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"os/user"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/busd/lib/auth"
	"github.com/bureau-foundation/busd/lib/bus"
	"github.com/bureau-foundation/busd/lib/config"
	"github.com/bureau-foundation/busd/lib/control"
	"github.com/bureau-foundation/busd/lib/metrics"
	"github.com/bureau-foundation/busd/lib/policy"
	"github.com/bureau-foundation/busd/lib/process"
	"github.com/bureau-foundation/busd/lib/transport"
	"github.com/bureau-foundation/busd/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath   string
	address      string
	printAddress bool
	logLevel     string
	showVersion  bool
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("busd", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to busd.yaml (default: $BUSD_CONFIG, else session defaults)")
	flagSet.StringVar(&opts.address, "address", "", "listen address list, overriding the configuration")
	flagSet.BoolVar(&opts.printAddress, "print-address", false, "print the connectable bus address to stdout once listening")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.showVersion {
		version.Print("busd")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", opts.logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if opts.configPath == "" {
		opts.configPath = os.Getenv("BUSD_CONFIG")
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Listen = []string{opts.address}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, opts, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	owner := uint32(os.Getuid())

	rules, err := cfg.PolicyRules(owner, config.SystemResolver{})
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(rules)
	if err != nil {
		return fmt.Errorf("building policy: %w", err)
	}
	reload := &reloader{
		path:   opts.configPath,
		owner:  owner,
		engine: engine,
		logger: logger,
	}

	limits, err := cfg.BusLimits()
	if err != nil {
		return err
	}
	guid := cfg.GUID
	if guid == "" {
		guid = newGUID()
	}

	keyring, err := cookieKeyring(cfg, owner)
	if err != nil {
		return err
	}
	if keyring != nil {
		logger.Info("cookie authentication enabled", "keyring", keyring.Dir())
	}

	busMetrics := metrics.New()
	b, err := bus.New(bus.Options{
		GUID:           guid,
		MachineID:      machineID(cfg.MachineID),
		Policy:         engine,
		Limits:         limits,
		Mechanisms:     cfg.Mechanisms(),
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		Keyring:        keyring,
		OwnerUID:       owner,
		Reload:         reload.reload,
		Logger:         logger,
		Metrics:        busMetrics,
	})
	if err != nil {
		return err
	}
	busMetrics.GaugeFunc("names", "Well-known names currently owned.", func() float64 {
		return float64(b.NameCount())
	})

	var listeners []*transport.Listener
	closeListeners := func() {
		for _, listener := range listeners {
			listener.Close()
		}
	}
	for _, text := range cfg.Listen {
		addresses, err := transport.ParseAddresses(text)
		if err != nil {
			closeListeners()
			return err
		}
		for _, address := range addresses {
			listener, err := transport.Listen(address)
			if err != nil {
				closeListeners()
				return fmt.Errorf("listening on %s: %w", address, err)
			}
			listeners = append(listeners, listener)
		}
	}

	connectable := make([]string, len(listeners))
	for i, listener := range listeners {
		connectable[i] = listener.Address().With("guid", guid).String()
	}
	if opts.printAddress {
		fmt.Println(strings.Join(connectable, ";"))
	}

	server := transport.NewServer(cfg.TransportLimits(), logger)
	busMetrics.CounterFunc("transport_rejected_total", "Connections refused by admission limits.", func() float64 {
		return float64(server.Rejected())
	})
	handler := func(ctx context.Context, conn net.Conn, credentials transport.Credentials) {
		b.ServeConn(ctx, conn, credentials)
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, listener := range listeners {
		group.Go(func() error {
			return server.Serve(ctx, listener, handler)
		})
	}

	if cfg.ControlSocket != "" {
		controlServer := control.NewServer(cfg.ControlSocket, owner, logger)
		control.RegisterBus(controlServer, b, reload.reload)
		group.Go(func() error {
			return controlServer.Serve(ctx)
		})
	}

	if cfg.MetricsListen != "" {
		group.Go(func() error {
			return busMetrics.Serve(ctx, cfg.MetricsListen, logger)
		})
	}

	if opts.configPath != "" {
		group.Go(func() error {
			return watchConfig(ctx, opts.configPath, logger, reload.reload)
		})
	}

	group.Go(func() error {
		hangups := make(chan os.Signal, 1)
		signal.Notify(hangups, syscall.SIGHUP)
		defer signal.Stop(hangups)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hangups:
				if err := reload.reload(ctx); err != nil {
					logger.Error("reload on SIGHUP failed", "error", err)
				}
			}
		}
	})

	logger.Info("bus running",
		"guid", guid,
		"address", strings.Join(connectable, ";"),
		"version", version.Short(),
	)

	err = group.Wait()
	logger.Info("bus stopped", "status", b.Status())
	return err
}

// newGUID returns a random bus GUID: 32 lower-case hex digits.
func newGUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// cookieKeyring prepares the invoking user's DBUS_COOKIE_SHA1 keyring.
// It returns nil when the mechanism is not offered.
func cookieKeyring(cfg *config.Config, owner uint32) (*auth.Keyring, error) {
	if !slices.Contains(cfg.Mechanisms(), auth.CookieSHA1) {
		return nil, nil
	}
	dir := cfg.Auth.KeyringDir
	if dir == "" {
		var err error
		if dir, err = auth.DefaultKeyringDir(); err != nil {
			return nil, fmt.Errorf("locating cookie keyring: %w", err)
		}
	}
	name := strconv.FormatUint(uint64(owner), 10)
	if account, err := user.LookupId(name); err == nil {
		name = account.Username
	}
	keyring := auth.NewKeyring(dir, name, owner, nil)
	if _, err := keyring.Sync(); err != nil {
		return nil, fmt.Errorf("preparing cookie keyring: %w", err)
	}
	return keyring, nil
}

// machineID returns configured, else the contents of /etc/machine-id.
// Empty means the bus falls back to its GUID.
func machineID(configured string) string {
	if configured != "" {
		return configured
	}
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); len(id) == 32 {
			return id
		}
	}
	return ""
}
