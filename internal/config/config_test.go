package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Driver != DriverMemory {
		t.Fatalf("default driver = %q, want %q", cfg.Storage.Driver, DriverMemory)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Fatalf("default addr = %q", cfg.Server.Addr())
	}
	if cfg.Storage.StatsTimeout != 2500*time.Millisecond {
		t.Fatalf("default stats timeout = %s", cfg.Storage.StatsTimeout)
	}
	if cfg.Stream.Depth != 25 {
		t.Fatalf("default stream depth = %d", cfg.Stream.Depth)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SENSLIFY_SERVER_PORT", "9001")
	t.Setenv("SENSLIFY_STORAGE_DRIVER", "postgres")
	t.Setenv("SENSLIFY_STORAGE_URI", "postgres://localhost/senslify")
	t.Setenv("SENSLIFY_STORAGE_STATS_TIMEOUT", "5s")
	t.Setenv("SENSLIFY_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9001 {
		t.Fatalf("port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverPostgres || cfg.Storage.URI != "postgres://localhost/senslify" {
		t.Fatalf("storage = %+v, want postgres override", cfg.Storage)
	}
	if cfg.Storage.StatsTimeout != 5*time.Second {
		t.Fatalf("stats timeout = %s, want 5s", cfg.Storage.StatsTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestConfigFileLayer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "senslify.yaml")
	contents := []byte("server:\n  port: 9090\nstream:\n  depth: 50\n")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(PathEnvVar, path)
	// Environment still wins over the file.
	t.Setenv("SENSLIFY_STREAM_DEPTH", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090 from file", cfg.Server.Port)
	}
	if cfg.Stream.Depth != 10 {
		t.Fatalf("depth = %d, want 10 from env", cfg.Stream.Depth)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }},
		{"missing uri", func(c *Config) { c.Storage.Driver = DriverMongo; c.Storage.URI = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad depth", func(c *Config) { c.Stream.Depth = -1 }},
		{"bad timeout", func(c *Config) { c.Storage.StatsTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
