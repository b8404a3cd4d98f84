package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"mupeer.dev/go/mupeer/internal/replica"
)

// Config represents the mupeer configuration file
type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Session  SessionConfig  `toml:"session"`
	Daemon   DaemonConfig   `toml:"daemon"`
	Logging  LoggingConfig  `toml:"logging"`
	Values   []ValueConfig  `toml:"values"`
}

// IdentityConfig contains identity-related settings
type IdentityConfig struct {
	Name    string `toml:"name"`    // display-name base, hostname when empty
	Storage string `toml:"storage"` // file, keychain
}

// SessionConfig contains session and transport settings
type SessionConfig struct {
	ServiceType       string   `toml:"service_type"`
	Port              int      `toml:"port"`
	InviteTimeout     Duration `toml:"invite_timeout"`
	RetryWait         Duration `toml:"retry_wait"`
	MaxInviteAttempts int      `toml:"max_invite_attempts"`
	StaleSlack        Duration `toml:"stale_slack"`
	HostRetryDelay    Duration `toml:"host_retry_delay"`
	BrowseInterval    Duration `toml:"browse_interval"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
}

// DaemonConfig contains daemon-related settings
type DaemonConfig struct {
	WebPort       int  `toml:"web_port"`
	WebEnabled    bool `toml:"web_enabled"`
	Notifications bool `toml:"notifications"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// ValueConfig declares a replicated value the daemon hosts
type ValueConfig struct {
	Name     string `toml:"name"`
	Policy   string `toml:"policy"` // everyone, hostOnly
	Reliable bool   `toml:"reliable"`
	Initial  string `toml:"initial"` // JSON
}

// Duration is a time.Duration written as a string such as "4s"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			Storage: "file",
		},
		Session: SessionConfig{
			ServiceType:       "_mupeer._tcp",
			Port:              7840,
			InviteTimeout:     Duration{4 * time.Second},
			RetryWait:         Duration{3 * time.Second},
			MaxInviteAttempts: 3,
			StaleSlack:        Duration{3 * time.Second},
			HostRetryDelay:    Duration{time.Second},
			BrowseInterval:    Duration{10 * time.Second},
			KeepaliveInterval: Duration{15 * time.Second},
		},
		Daemon: DaemonConfig{
			WebPort:    7841,
			WebEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Values: []ValueConfig{
			{Name: "counter", Policy: "everyone", Reliable: true, Initial: "0"},
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// A file that declares values replaces the default list
	defaults := cfg.Values
	cfg.Values = nil
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if !md.IsDefined("values") {
		cfg.Values = defaults
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Session.Port < 0 || c.Session.Port > 65535 {
		return fmt.Errorf("invalid session port: %d", c.Session.Port)
	}

	if c.Daemon.WebEnabled {
		if c.Daemon.WebPort < 1 || c.Daemon.WebPort > 65535 {
			return fmt.Errorf("invalid web port: %d", c.Daemon.WebPort)
		}
	}

	validStorage := map[string]bool{"file": true, "keychain": true}
	if !validStorage[c.Identity.Storage] {
		return fmt.Errorf("invalid identity storage: %s", c.Identity.Storage)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Session.MaxInviteAttempts < 1 {
		return fmt.Errorf("max_invite_attempts must be at least 1")
	}

	durations := map[string]Duration{
		"invite_timeout":     c.Session.InviteTimeout,
		"retry_wait":         c.Session.RetryWait,
		"stale_slack":        c.Session.StaleSlack,
		"host_retry_delay":   c.Session.HostRetryDelay,
		"browse_interval":    c.Session.BrowseInterval,
		"keepalive_interval": c.Session.KeepaliveInterval,
	}
	for name, d := range durations {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	seen := make(map[string]bool)
	for _, v := range c.Values {
		if v.Name == "" {
			return fmt.Errorf("value without a name")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate value %q", v.Name)
		}
		seen[v.Name] = true

		if _, err := replica.ParsePolicy(v.Policy); err != nil {
			return fmt.Errorf("value %q: %w", v.Name, err)
		}
		if v.Initial != "" && !json.Valid([]byte(v.Initial)) {
			return fmt.Errorf("value %q: initial is not valid JSON", v.Name)
		}
	}

	return nil
}

// InitialJSON returns the initial value as raw JSON, null when unset
func (v ValueConfig) InitialJSON() json.RawMessage {
	if v.Initial == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(v.Initial)
}
