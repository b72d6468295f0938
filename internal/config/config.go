// Package config handles YAML configuration loading with environment variable
// expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Environment variables recognized in addition to the config file.
const (
	EnvDBPath            = "SHADOWFAX_DB_PATH"
	EnvPriceRefreshHours = "SHADOWFAX_PRICE_REFRESH_HOURS"
	EnvPriceOffline      = "SHADOWFAX_PRICE_OFFLINE"
	EnvDebug             = "SHADOWFAX_DEBUG"
	EnvModelMappings     = "SHADOWFAX_OPENAI_MODEL_MAPPINGS"
)

// Config is the top-level relay configuration.
type Config struct {
	Server       Server        `yaml:"server"`
	Database     Database      `yaml:"database"`
	Logging      Logging       `yaml:"logging"`
	Proxy        Proxy         `yaml:"proxy"`
	OAuth        OAuth         `yaml:"oauth"`
	Pricing      Pricing       `yaml:"pricing"`
	Retention    Retention     `yaml:"retention"`
	Telemetry    Telemetry     `yaml:"telemetry"`
	Keys         []KeyEntry    `yaml:"keys"`
	Translations []Translation `yaml:"translations"`
}

// Server holds HTTP server settings.
type Server struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 keeps streams open
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Database holds SQLite settings.
type Database struct {
	Path          string `yaml:"path"` // empty = platform default
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	Fast          bool   `yaml:"fast"` // synchronous=NORMAL instead of FULL
}

// Logging holds slog settings.
type Logging struct {
	Level      string `yaml:"level"`  // debug|info|warn|error
	Format     string `yaml:"format"` // text|json
	DebugModel bool   `yaml:"debug_model"`
}

// Proxy holds dispatcher settings.
type Proxy struct {
	Strategy        string        `yaml:"strategy"` // seed for the strategy setting
	DefaultModel    string        `yaml:"default_model"`
	SessionDuration time.Duration `yaml:"session_duration"`
	CapturePayloads bool          `yaml:"capture_payloads"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	TotalTimeout    time.Duration `yaml:"total_timeout"`
}

// OAuth holds the PKCE client settings.
type OAuth struct {
	ClientID string `yaml:"client_id"` // empty = built-in default
}

// Pricing holds catalog refresh settings.
type Pricing struct {
	RefreshHours int  `yaml:"refresh_hours"`
	Offline      bool `yaml:"offline"`
}

// Retention holds telemetry retention settings. Zero disables a rule.
type Retention struct {
	PayloadDays int `yaml:"payload_days"`
	RequestDays int `yaml:"request_days"`
}

// Telemetry holds observability settings.
type Telemetry struct {
	Metrics Metrics `yaml:"metrics"`
	Tracing Tracing `yaml:"tracing"`
}

// Metrics controls Prometheus metrics.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Tracing controls OpenTelemetry tracing.
type Tracing struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"` // plaintext, hashed on bootstrap
	Role string `yaml:"role"`
}

// Translation is a global model rewrite seed in the config file.
type Translation struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying env overrides. An empty path yields the defaults, so the relay
// runs without any config file at all.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: Database{
			BusyTimeoutMs: 5000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Proxy: Proxy{
			Strategy:        "session",
			SessionDuration: 5 * time.Hour,
			CapturePayloads: true,
			AttemptTimeout:  2 * time.Minute,
			TotalTimeout:    5 * time.Minute,
		},
		Pricing: Pricing{
			RefreshHours: 24,
		},
		Retention: Retention{
			PayloadDays: 7,
			RequestDays: 30,
		},
		Telemetry: Telemetry{
			Metrics: Metrics{Enabled: true},
			Tracing: Tracing{SampleRate: 1.0},
		},
	}
}

// applyEnv layers recognized environment variables over the loaded config.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvDBPath); ok && v != "" {
		cfg.Database.Path = v
	}
	if v, ok := os.LookupEnv(EnvPriceRefreshHours); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pricing.RefreshHours = n
		}
	}
	if v, ok := os.LookupEnv(EnvPriceOffline); ok {
		cfg.Pricing.Offline = v == "1" || v == "true"
	}
	switch os.Getenv(EnvDebug) {
	case "true", "1":
		cfg.Logging.Level = "debug"
	case "model":
		cfg.Logging.Level = "debug"
		cfg.Logging.DebugModel = true
	}
}

const (
	appDirName    = "shadowfax"
	legacyDirName = "claude-balancer"
	dbFileName    = "shadowfax.db"
	legacyDBName  = "claude-balancer.db"
)

// ResolveDBPath returns the database file path, creating its directory. When
// no explicit path is configured it resolves under the user config directory
// and, on first run, carries over the database file from the legacy directory
// name when one exists.
func (c *Config) ResolveDBPath() (string, error) {
	if c.Database.Path != "" {
		if dir := filepath.Dir(c.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create db dir: %w", err)
			}
		}
		return c.Database.Path, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	dir := filepath.Join(base, appDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create db dir: %w", err)
	}
	path := filepath.Join(dir, dbFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		legacy := filepath.Join(base, legacyDirName, legacyDBName)
		if _, err := os.Stat(legacy); err == nil {
			if err := copyFile(legacy, path); err != nil {
				return "", fmt.Errorf("migrate legacy db: %w", err)
			}
		}
	}
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
