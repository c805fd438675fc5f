// Package config loads application configuration in three layers: struct
// defaults, an optional YAML file, then SENSLIFY_-prefixed environment
// variables. The loaded Config is immutable and safe for concurrent reads.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/gollum18/senslify-web/internal/logging"
)

// EnvPrefix namespaces the application's environment variables.
const EnvPrefix = "SENSLIFY_"

// PathEnvVar overrides the config file search path.
const PathEnvVar = "SENSLIFY_CONFIG"

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"senslify.yaml",
	"senslify.yml",
	"/etc/senslify/senslify.yaml",
}

// Storage driver names accepted by the storage section.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
)

// Config is the root of all application settings.
type Config struct {
	Server  ServerConfig   `koanf:"server"`
	Storage StorageConfig  `koanf:"storage"`
	Stream  StreamConfig   `koanf:"stream"`
	Logging logging.Config `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Debug           bool          `koanf:"debug"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       int           `koanf:"rate_limit"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Driver is one of memory, mongo, postgres, sqlite or mysql.
	Driver string `koanf:"driver"`

	// URI is the connection string: a mongodb:// URI, a postgres DSN, a
	// SQLite path, or a mysql DSN, depending on Driver.
	URI string `koanf:"uri"`

	// Database names the mongo database; unused by the other drivers.
	Database string `koanf:"database"`

	MaxOpenConns int           `koanf:"max_open_conns"`
	MaxIdleConns int           `koanf:"max_idle_conns"`
	StatsTimeout time.Duration `koanf:"stats_timeout"`
}

// StreamConfig tunes the live viewer protocol.
type StreamConfig struct {
	// Depth is the number of recent readings replayed on a stream switch.
	Depth int `koanf:"depth"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Debug:           false,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
		},
		Storage: StorageConfig{
			Driver:       DriverMemory,
			URI:          "",
			Database:     "senslify",
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			StatsTimeout: 2500 * time.Millisecond,
		},
		Stream: StreamConfig{
			Depth: 25,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the type system cannot express.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverMongo, DriverPostgres, DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != DriverMemory && c.Storage.URI == "" {
		return fmt.Errorf("storage driver %q requires a connection uri", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Stream.Depth <= 0 {
		return fmt.Errorf("stream depth must be positive, got %d", c.Stream.Depth)
	}
	if c.Storage.StatsTimeout <= 0 {
		return fmt.Errorf("stats timeout must be positive, got %s", c.Storage.StatsTimeout)
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(PathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps SENSLIFY_SERVER_PORT to server.port. Only the first
// underscore separates the section from the key, so multi-word keys like
// stats_timeout survive the mapping.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}
