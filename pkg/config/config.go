// Package config loads the multisig host configuration: a YAML file
// validated against an embedded JSON Schema, then overridden by
// environment variables.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://multisig.schemas.local/config.schema.json"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds server configuration.
type Config struct {
	Listen    string          `yaml:"listen" json:"listen"`
	LogLevel  string          `yaml:"log_level" json:"log_level"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Programs  []ProgramConfig `yaml:"programs,omitempty" json:"programs,omitempty"`

	// Journal is the path of the event journal. Empty keeps it in memory.
	Journal string `yaml:"journal,omitempty" json:"journal,omitempty"`
}

// StoreConfig selects and configures the ledger backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" json:"driver"`
	Path          string `yaml:"path,omitempty" json:"path,omitempty"` // file and sqlite drivers
	DSN           string `yaml:"dsn,omitempty" json:"dsn,omitempty"`   // postgres driver
	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"-"`
	RedisDB       int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`
}

// AuthConfig configures bearer-token authentication of callers.
type AuthConfig struct {
	Issuer   string        `yaml:"issuer" json:"issuer"`
	Secret   string        `yaml:"secret" json:"-"`
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// RateLimitConfig bounds requests per authenticated caller.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
}

// ProgramConfig registers a WebAssembly capability program.
type ProgramConfig struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

// Default returns a development configuration: in-memory store, local
// listener, telemetry off.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		LogLevel: "INFO",
		Store:    StoreConfig{Driver: DriverMemory},
		Auth: AuthConfig{
			Issuer:   "multisig",
			TokenTTL: time.Hour,
		},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			ServiceName: "multisig",
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates data against the config schema and decodes it into cfg.
func Parse(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateSchema(raw); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func validateSchema(raw map[string]any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("config schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config schema compile failed: %w", err)
	}

	// Round-trip through JSON so the validator sees JSON value types.
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

// applyEnv overrides file values with MULTISIG_* environment variables.
// DATABASE_URL and REDIS_ADDR are honoured for container deployments.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("MULTISIG_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("MULTISIG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("MULTISIG_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := getenv("MULTISIG_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := getenv("MULTISIG_JOURNAL"); v != "" {
		cfg.Journal = v
	}
	if v := getenv("MULTISIG_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := getenv("MULTISIG_TELEMETRY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MULTISIG_TELEMETRY_ENABLED: %w", err)
		}
		cfg.Telemetry.Enabled = enabled
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	return nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for driver %q", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn (or DATABASE_URL) is required for driver %q", c.Store.Driver)
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: store.redis_addr (or REDIS_ADDR) is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate_limit.rps and rate_limit.burst must be positive")
	}
	return nil
}
