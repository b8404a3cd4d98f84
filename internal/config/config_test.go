package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Session.Port != 7840 {
		t.Errorf("port: got %d, want 7840", cfg.Session.Port)
	}
	if len(cfg.Values) != 1 || cfg.Values[0].Name != "counter" {
		t.Errorf("values: %+v", cfg.Values)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[identity]
name = "kitchen"

[session]
port = 9000
invite_timeout = "10s"

[logging]
level = "debug"

[[values]]
name = "round"
policy = "hostOnly"
reliable = true
initial = "{\"n\":1}"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Identity.Name != "kitchen" || cfg.Identity.Storage != "file" {
		t.Errorf("identity: %+v", cfg.Identity)
	}
	if cfg.Session.Port != 9000 || cfg.Session.InviteTimeout.Duration != 10*time.Second {
		t.Errorf("session: %+v", cfg.Session)
	}
	if cfg.Session.RetryWait.Duration != 3*time.Second {
		t.Errorf("unset duration should keep default, got %v", cfg.Session.RetryWait)
	}
	if len(cfg.Values) != 1 || cfg.Values[0].Name != "round" {
		t.Fatalf("declared values must replace defaults: %+v", cfg.Values)
	}
	if string(cfg.Values[0].InitialJSON()) != `{"n":1}` {
		t.Errorf("initial: %s", cfg.Values[0].InitialJSON())
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Session.KeepaliveInterval = Duration{time.Minute}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `keepalive_interval = "1m0s"`) {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Session.KeepaliveInterval.Duration != time.Minute {
		t.Errorf("keepalive: %v", loaded.Session.KeepaliveInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Session.Port = 70000 }, "session port"},
		{"bad web port", func(c *Config) { c.Daemon.WebPort = 0 }, "web port"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"bad storage", func(c *Config) { c.Identity.Storage = "cloud" }, "storage"},
		{"zero attempts", func(c *Config) { c.Session.MaxInviteAttempts = 0 }, "max_invite_attempts"},
		{"zero duration", func(c *Config) { c.Session.RetryWait = Duration{} }, "retry_wait"},
		{"duplicate value", func(c *Config) { c.Values = append(c.Values, c.Values[0]) }, "duplicate"},
		{"bad policy", func(c *Config) { c.Values[0].Policy = "admins" }, "policy"},
		{"bad initial", func(c *Config) { c.Values[0].Initial = "{" }, "JSON"},
		{"unnamed value", func(c *Config) { c.Values[0].Name = "" }, "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestPathsIn(t *testing.T) {
	dir := t.TempDir()
	p := PathsIn(dir)

	if p.IdentityFile != filepath.Join(dir, "identity.json") {
		t.Errorf("identity file: %s", p.IdentityFile)
	}
	if err := p.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	if p.IdentityExists() {
		t.Error("no identity written yet")
	}
}

func TestGetPathsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigDirEnv, dir)

	p, err := GetPaths()
	if err != nil {
		t.Fatal(err)
	}
	if p.ConfigDir != dir || p.ConfigFile != filepath.Join(dir, "config.toml") {
		t.Errorf("paths: %+v", p)
	}
}
