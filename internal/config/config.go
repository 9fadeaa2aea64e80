// Package config loads the apitrail configuration from YAML, TOML, or
// JSON files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no apitrail config file found")

// Config is the parsed apitrail configuration.
type Config struct {
	// Storage selects the backend: "file", "sqlite", "postgres", or
	// "fallback" (composite over file + database).
	Storage string `yaml:"storage" toml:"storage" json:"storage"`

	File      FileConfig      `yaml:"file" toml:"file" json:"file"`
	Database  DatabaseConfig  `yaml:"database" toml:"database" json:"database"`
	Fallback  FallbackConfig  `yaml:"fallback" toml:"fallback" json:"fallback"`
	Retention RetentionConfig `yaml:"retention" toml:"retention" json:"retention"`
	Analytics AnalyticsConfig `yaml:"analytics" toml:"analytics" json:"analytics"`

	// Services seeds the service registry at startup.
	Services []ServiceConfig `yaml:"services" toml:"services" json:"services"`

	// Archive configures shipping of compressed log files to
	// S3-compatible storage. Optional.
	Archive *ArchiveConfig `yaml:"archive" toml:"archive" json:"archive"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Dir      string `yaml:"dir" toml:"dir" json:"dir"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Rotate   bool   `yaml:"rotate" toml:"rotate" json:"rotate"`
	Compress bool   `yaml:"compress" toml:"compress" json:"compress"`
}

// DatabaseConfig configures the relational backend.
type DatabaseConfig struct {
	Driver    string `yaml:"driver" toml:"driver" json:"driver"` // "sqlite" or "postgres"
	DSN       string `yaml:"dsn" toml:"dsn" json:"dsn"`
	BatchSize int    `yaml:"batch_size" toml:"batch_size" json:"batch_size"`
}

// FallbackConfig configures the composite backend.
type FallbackConfig struct {
	// Backends is the priority order, e.g. ["database", "file"].
	Backends  []string `yaml:"backends" toml:"backends" json:"backends"`
	Broadcast bool     `yaml:"broadcast" toml:"broadcast" json:"broadcast"`
}

// RetentionConfig holds the two age cutoffs in days.
type RetentionConfig struct {
	NormalDays int `yaml:"normal_days" toml:"normal_days" json:"normal_days"`
	ErrorDays  int `yaml:"error_days" toml:"error_days" json:"error_days"`
}

// AnalyticsConfig tunes anomaly detection.
type AnalyticsConfig struct {
	ResponseTimeMultiplier float64 `yaml:"response_time_multiplier" toml:"response_time_multiplier" json:"response_time_multiplier"`
	MinSuccessRate         float64 `yaml:"min_success_rate" toml:"min_success_rate" json:"min_success_rate"`
}

// ServiceConfig is one registry entry.
type ServiceConfig struct {
	Name string            `yaml:"name" toml:"name" json:"name"`
	Host string            `yaml:"host" toml:"host" json:"host"`
	Tags map[string]string `yaml:"tags" toml:"tags" json:"tags"`
}

// ArchiveConfig holds S3-compatible archive credentials.
type ArchiveConfig struct {
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	RemoveLocal     bool   `yaml:"remove_local" toml:"remove_local" json:"remove_local"`
}

// Default returns the configuration used when no config file exists:
// a rotating file backend under ./logs.
func Default() *Config {
	cfg := &Config{File: FileConfig{Rotate: true}}
	cfg.applyDefaults()
	return cfg
}

// Load finds and parses an apitrail config file from the given directory.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"apitrail.yaml", parseYAML},
		{"apitrail.yml", parseYAML},
		{"apitrail.toml", parseTOML},
		{"apitrail.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}
		cfg.applyDefaults()
		return &cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

// LoadFile parses an explicitly named config file, choosing the format by
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	switch filepath.Ext(path) {
	case ".toml":
		err = parseTOML(data, &cfg)
	case ".json":
		err = parseJSON(data, &cfg)
	default:
		err = parseYAML(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	switch c.Storage {
	case "", "file", "sqlite", "postgres", "fallback":
	default:
		return fmt.Errorf("unknown storage kind %q", c.Storage)
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Storage == "postgres" && c.Database.DSN == "" {
		return errors.New("postgres storage requires database.dsn")
	}
	if c.Retention.NormalDays < 0 || c.Retention.ErrorDays < 0 {
		return errors.New("retention days cannot be negative")
	}
	for i, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
	}
	if c.Archive != nil && c.Archive.Bucket == "" {
		return errors.New("archive requires a bucket")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage == "" {
		c.Storage = "file"
	}
	if c.File.Dir == "" {
		c.File.Dir = "logs"
	}
	if c.File.Prefix == "" {
		c.File.Prefix = "requests"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "apitrail.db"
	}
	if c.Retention.NormalDays == 0 {
		c.Retention.NormalDays = 30
	}
	if c.Retention.ErrorDays == 0 {
		c.Retention.ErrorDays = 90
	}
	if len(c.Fallback.Backends) == 0 {
		c.Fallback.Backends = []string{"database", "file"}
	}
}
