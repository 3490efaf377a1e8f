package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

type daemonOptions struct {
	Config string

	Port        int           `toml:"server.port" env:"PORT"`
	Provider    string        `toml:"sideband.provider" env:"PROVIDER"`
	Autostart   bool          `toml:"sessions.autostart" env:"AUTOSTART"`
	Scale       float64       `toml:"sideband.scale" env:"SCALE"`
	Interval    time.Duration `toml:"metrics.interval" env:"METRICS_INTERVAL"`
	Providers   []string      `toml:"sideband.providers" env:"PROVIDERS"`
	NotInConfig string
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
[server]
port = 9090

[sideband]
provider = "nats"
scale = 2
providers = ["memfd", "nats"]

[sessions]
autostart = true

[metrics]
interval = "250ms"
`

func TestLoadConfigFromTOML(t *testing.T) {
	opts := &daemonOptions{Config: writeFile(t, sampleConfig), Port: 8090}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatal(err)
	}

	if opts.Port != 9090 {
		t.Errorf("Port = %d", opts.Port)
	}
	if opts.Provider != "nats" || !opts.Autostart {
		t.Errorf("Provider = %q, Autostart = %v", opts.Provider, opts.Autostart)
	}
	if opts.Scale != 2 {
		t.Errorf("Scale = %v", opts.Scale)
	}
	if opts.Interval != 250*time.Millisecond {
		t.Errorf("Interval = %v", opts.Interval)
	}
	if !slices.Equal(opts.Providers, []string{"memfd", "nats"}) {
		t.Errorf("Providers = %v", opts.Providers)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("SIDEBAND_PORT", "7000")
	t.Setenv("SIDEBAND_PROVIDERS", "memfd, plugin")
	t.Setenv("SIDEBAND_METRICS_INTERVAL", "2s")
	t.Setenv("SIDEBAND_SCALE", "0.5")

	opts := &daemonOptions{Config: writeFile(t, sampleConfig)}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatal(err)
	}
	if opts.Port != 7000 {
		t.Errorf("Port = %d, want env value", opts.Port)
	}
	if opts.Provider != "nats" {
		t.Errorf("Provider = %q, want file value", opts.Provider)
	}
	if !slices.Equal(opts.Providers, []string{"memfd", "plugin"}) {
		t.Errorf("Providers = %v", opts.Providers)
	}
	if opts.Interval != 2*time.Second || opts.Scale != 0.5 {
		t.Errorf("Interval = %v, Scale = %v", opts.Interval, opts.Scale)
	}
}

func TestLoadConfigCLIWins(t *testing.T) {
	t.Setenv("SIDEBAND_PORT", "7000")

	cmd := &cobra.Command{Use: "test"}
	port := cmd.Flags().Int("port", 8090, "")
	cmd.Flags().String("provider", "memfd", "")
	if err := cmd.Flags().Parse([]string{"--port", "6000"}); err != nil {
		t.Fatal(err)
	}

	opts := &daemonOptions{Config: writeFile(t, sampleConfig), Port: *port}
	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatal(err)
	}
	if opts.Port != 6000 {
		t.Errorf("Port = %d, want flag value", opts.Port)
	}
	if opts.Provider != "nats" {
		t.Errorf("Provider = %q; unset flags must still load from file", opts.Provider)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	opts := &daemonOptions{Config: filepath.Join(t.TempDir(), "absent.toml"), Port: 8090}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if opts.Port != 8090 {
		t.Errorf("Port = %d, want default kept", opts.Port)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"invalid toml", "[server\nport = 1", nil},
		{"wrong type", "[server]\nport = \"eighty\"", nil},
		{"bad env int", "", map[string]string{"SIDEBAND_PORT": "eighty"}},
		{"bad env duration", "", map[string]string{"SIDEBAND_METRICS_INTERVAL": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			opts := &daemonOptions{Config: writeFile(t, tt.content)}
			if err := LoadConfig(opts, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfig(daemonOptions{}, nil); err == nil {
		t.Error("expected error for non-pointer")
	}
}

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"nats": map[string]any{"port": int64(4222)},
		"flat": "x",
	}
	tests := []struct {
		key  string
		want any
		ok   bool
	}{
		{"nats.port", int64(4222), true},
		{"flat", "x", true},
		{"nats.host", nil, false},
		{"flat.deeper", nil, false},
		{"missing.key", nil, false},
	}
	for _, tt := range tests {
		got, ok := lookup(doc, tt.key)
		if ok != tt.ok || got != tt.want {
			t.Errorf("lookup(%q) = %v, %v", tt.key, got, ok)
		}
	}
}

func TestFlagName(t *testing.T) {
	tests := map[string]string{
		"Port":            "port",
		"NatsPort":        "nats-port",
		"DefaultProvider": "default-provider",
	}
	for in, want := range tests {
		if got := flagName(in); got != want {
			t.Errorf("flagName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	path := writeFile(t, `
[server]
port = 8090

[logging]
level = "warn"
format = "json"
provider = "debug"
transport = "error"
`)
	cfg := LoadLoggingConfig(path)
	if cfg.Level != "warn" || cfg.Format != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Modules["provider"] != "debug" || cfg.Modules["transport"] != "error" {
		t.Errorf("modules = %v", cfg.Modules)
	}
	if _, ok := cfg.Modules["level"]; ok {
		t.Error("level leaked into modules")
	}
}

func TestLoadLoggingConfigDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "absent.toml"), writeFile(t, "[logging")} {
		cfg := LoadLoggingConfig(path)
		if cfg.Level != "info" || cfg.Format != "text" || len(cfg.Modules) != 0 {
			t.Errorf("LoadLoggingConfig(%q) = %+v", path, cfg)
		}
	}
}
