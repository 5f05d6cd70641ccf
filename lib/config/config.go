// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/busd/lib/auth"
	"github.com/bureau-foundation/busd/lib/bus"
	"github.com/bureau-foundation/busd/lib/transport"
)

// BusType names the kind of bus being run.
type BusType string

const (
	// Session is a per-user bus: only the owner may connect.
	Session BusType = "session"
	// System is a machine-wide bus whose policy comes from the file.
	System BusType = "system"
)

// Config is the busd configuration.
type Config struct {
	// Type is session or system. It selects the default policy when
	// the file has no policy section.
	Type BusType `yaml:"type"`

	// Listen is the list of D-Bus addresses to listen on.
	Listen []string `yaml:"listen"`

	// GUID is the bus identity. Generated at startup when empty.
	GUID string `yaml:"guid"`

	// MachineID is reported by org.freedesktop.DBus.Peer.GetMachineId.
	// Read from /etc/machine-id when empty.
	MachineID string `yaml:"machine_id"`

	Auth AuthConfig `yaml:"auth"`

	// ControlSocket is the unix socket for busdctl. Empty disables it.
	ControlSocket string `yaml:"control_socket"`

	// MetricsListen is a host:port serving Prometheus metrics at
	// /metrics. Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`

	Limits LimitsConfig `yaml:"limits"`

	// Policy is the ordered rule list. See RuleConfig.
	Policy []RuleConfig `yaml:"policy"`
}

// AuthConfig selects the SASL mechanisms offered.
type AuthConfig struct {
	// Mechanisms in preference order. Default: [EXTERNAL].
	Mechanisms []string `yaml:"mechanisms"`

	// AllowAnonymous permits ANONYMOUS when it is also listed.
	AllowAnonymous bool `yaml:"allow_anonymous"`

	// KeyringDir holds the DBUS_COOKIE_SHA1 keyring. Default:
	// ~/.dbus-keyrings of the user running the bus.
	KeyringDir string `yaml:"keyring_dir"`
}

// LimitsConfig bounds connections and per-connection resources. Zero
// values take the bus defaults. Durations use time.ParseDuration syntax.
type LimitsConfig struct {
	MaxConnections        int     `yaml:"max_connections"`
	MaxConnectionsPerUser int     `yaml:"max_connections_per_user"`
	AcceptRate            float64 `yaml:"accept_rate"`
	AcceptBurst           int     `yaml:"accept_burst"`

	MaxMessageSize             int `yaml:"max_message_size"`
	MaxOutgoingMessages        int `yaml:"max_outgoing_messages"`
	MaxPendingReplies          int `yaml:"max_pending_replies"`
	MaxNamesPerConnection      int `yaml:"max_names_per_connection"`
	MaxMatchRulesPerConnection int `yaml:"max_match_rules_per_connection"`

	AuthTimeout      string `yaml:"auth_timeout"`
	QueueFullTimeout string `yaml:"queue_full_timeout"`
}

// Default returns the session bus configuration for the current user.
func Default() *Config {
	return &Config{
		Type:          Session,
		Listen:        []string{"unix:path=${XDG_RUNTIME_DIR:-/tmp}/bus"},
		Auth:          AuthConfig{Mechanisms: []string{string(auth.External)}},
		ControlSocket: "${XDG_RUNTIME_DIR:-/tmp}/busd.control",
		Limits: LimitsConfig{
			MaxConnectionsPerUser: 256,
			AcceptRate:            100,
			AcceptBurst:           50,
			AuthTimeout:           "30s",
			QueueFullTimeout:      "5s",
		},
	}
}

// Load loads configuration from the BUSD_CONFIG environment variable.
// There is no fallback: when BUSD_CONFIG is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("BUSD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BUSD_CONFIG environment variable not set; " +
			"set it to the path of your busd.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over Default. Files ending in
// .json or .jsonc may carry comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// Parse decodes configuration data over Default without touching the
// filesystem.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so one decoder serves both.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path-like fields.
func (c *Config) expandVariables() {
	for i, address := range c.Listen {
		c.Listen[i] = expandVars(address)
	}
	c.ControlSocket = expandVars(c.ControlSocket)
	c.MetricsListen = expandVars(c.MetricsListen)
	c.Auth.KeyringDir = expandVars(c.Auth.KeyringDir)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors. User and group names in
// the policy are not resolved here; see PolicyRules.
func (c *Config) Validate() error {
	var errs []error

	if c.Type != Session && c.Type != System {
		errs = append(errs, fmt.Errorf("invalid type: %q (want session or system)", c.Type))
	}

	if len(c.Listen) == 0 {
		errs = append(errs, errors.New("listen: at least one address is required"))
	}
	for _, address := range c.Listen {
		if _, err := transport.ParseAddresses(address); err != nil {
			errs = append(errs, fmt.Errorf("listen: %w", err))
		}
	}

	if c.GUID != "" && !isGUID(c.GUID) {
		errs = append(errs, fmt.Errorf("guid: %q is not 32 lower-case hex digits", c.GUID))
	}

	if len(c.Auth.Mechanisms) == 0 {
		errs = append(errs, errors.New("auth.mechanisms: at least one mechanism is required"))
	}
	for _, name := range c.Auth.Mechanisms {
		switch auth.Mechanism(name) {
		case auth.External, auth.Anonymous, auth.CookieSHA1:
		default:
			errs = append(errs, fmt.Errorf("auth.mechanisms: unsupported mechanism %q", name))
		}
	}

	if c.Auth.KeyringDir != "" && !filepath.IsAbs(c.Auth.KeyringDir) {
		errs = append(errs, fmt.Errorf("auth.keyring_dir must be an absolute path, got %q", c.Auth.KeyringDir))
	}

	if c.ControlSocket != "" && !filepath.IsAbs(c.ControlSocket) {
		errs = append(errs, fmt.Errorf("control_socket must be an absolute path, got %q", c.ControlSocket))
	}

	if _, err := c.BusLimits(); err != nil {
		errs = append(errs, err)
	}
	l := c.Limits
	for _, field := range []struct {
		name  string
		value int
	}{
		{"max_connections", l.MaxConnections},
		{"max_connections_per_user", l.MaxConnectionsPerUser},
		{"accept_burst", l.AcceptBurst},
		{"max_message_size", l.MaxMessageSize},
		{"max_outgoing_messages", l.MaxOutgoingMessages},
		{"max_pending_replies", l.MaxPendingReplies},
		{"max_names_per_connection", l.MaxNamesPerConnection},
		{"max_match_rules_per_connection", l.MaxMatchRulesPerConnection},
	} {
		if field.value < 0 {
			errs = append(errs, fmt.Errorf("limits.%s must not be negative", field.name))
		}
	}
	if l.AcceptRate < 0 {
		errs = append(errs, errors.New("limits.accept_rate must not be negative"))
	}

	for i := range c.Policy {
		if err := c.Policy[i].check(); err != nil {
			errs = append(errs, fmt.Errorf("policy[%d]: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Mechanisms returns the configured SASL mechanisms. DBUS_COOKIE_SHA1
// is added when a tcp listener is configured and the list omits it:
// TCP peers have no credentials for EXTERNAL to check.
func (c *Config) Mechanisms() []auth.Mechanism {
	mechanisms := make([]auth.Mechanism, len(c.Auth.Mechanisms))
	for i, name := range c.Auth.Mechanisms {
		mechanisms[i] = auth.Mechanism(name)
	}
	if c.listensOnTCP() && !slices.Contains(mechanisms, auth.CookieSHA1) {
		mechanisms = append(mechanisms, auth.CookieSHA1)
	}
	return mechanisms
}

func (c *Config) listensOnTCP() bool {
	for _, text := range c.Listen {
		addresses, err := transport.ParseAddresses(text)
		if err != nil {
			continue
		}
		for _, address := range addresses {
			if address.Transport == "tcp" {
				return true
			}
		}
	}
	return false
}

// BusLimits converts the per-connection limits.
func (c *Config) BusLimits() (bus.Limits, error) {
	limits := bus.Limits{
		MaxMessageSize:             c.Limits.MaxMessageSize,
		MaxOutgoingMessages:        c.Limits.MaxOutgoingMessages,
		MaxPendingReplies:          c.Limits.MaxPendingReplies,
		MaxNamesPerConnection:      c.Limits.MaxNamesPerConnection,
		MaxMatchRulesPerConnection: c.Limits.MaxMatchRulesPerConnection,
	}
	var err error
	if limits.AuthTimeout, err = parseDuration("limits.auth_timeout", c.Limits.AuthTimeout); err != nil {
		return bus.Limits{}, err
	}
	if limits.QueueFullTimeout, err = parseDuration("limits.queue_full_timeout", c.Limits.QueueFullTimeout); err != nil {
		return bus.Limits{}, err
	}
	return limits, nil
}

// TransportLimits converts the listener admission limits.
func (c *Config) TransportLimits() transport.Limits {
	return transport.Limits{
		MaxConnections:        c.Limits.MaxConnections,
		MaxConnectionsPerUser: c.Limits.MaxConnectionsPerUser,
		AcceptRate:            c.Limits.AcceptRate,
		AcceptBurst:           c.Limits.AcceptBurst,
	}
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if duration < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return duration, nil
}

func isGUID(s string) bool {
	if len(s) != 32 {
		return false
	}
	return strings.Trim(s, "0123456789abcdef") == ""
}
