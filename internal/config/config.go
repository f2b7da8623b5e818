// Package config loads the flatbridge YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/flatbridge/internal/dbconfig"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/storage"
	"github.com/johndauphine/flatbridge/internal/transfer"
)

const (
	// FileEnvVar overrides the configuration file location.
	FileEnvVar = "FLATBRIDGE_CONFIG"

	// DefaultFile is read from the working directory when present.
	DefaultFile = "flatbridge.yaml"
)

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig              `yaml:"server"`
	Engine   EngineConfig              `yaml:"engine"`
	Database dbconfig.ConnectionConfig `yaml:"database"`
	Storage  storage.Config            `yaml:"storage"`
	Logging  LoggingConfig             `yaml:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	UploadDir       string        `yaml:"upload_dir"`
	OutputDir       string        `yaml:"output_dir"`
	MaxUploadMB     int64         `yaml:"max_upload_mb"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig tunes transfers.
type EngineConfig struct {
	BatchSize              int   `yaml:"batch_size"`
	MaxConsecutiveFailures int   `yaml:"max_consecutive_failures"`
	MaxSkippedRows         int   `yaml:"max_skipped_rows"`
	PreviewLimit           int   `yaml:"preview_limit"`
	CountRows              *bool `yaml:"count_rows"`
	InferTypes             bool  `yaml:"infer_types"`
}

// ShouldCountRows reports whether totals are counted before streaming.
func (e EngineConfig) ShouldCountRows() bool {
	return e.CountRows == nil || *e.CountRows
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Path returns the file Load reads when given an empty path.
func Path() string {
	if p := os.Getenv(FileEnvVar); p != "" {
		return p
	}
	return DefaultFile
}

// Load reads the configuration at path. An empty path uses Path(); in that
// case a missing file yields Default(). ${VAR} references are expanded from
// the environment before parsing.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit && os.Getenv(FileEnvVar) == "" {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.hasSecrets() {
		if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
			logging.Warn("Config file %s contains credentials and has permissions %04o; consider chmod 600",
				path, info.Mode().Perm())
		}
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	if c.Server.OutputDir == "" {
		c.Server.OutputDir = "exports"
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 50
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 10000
	}
	if c.Engine.MaxConsecutiveFailures == 0 {
		c.Engine.MaxConsecutiveFailures = 100
	}
	if c.Engine.MaxSkippedRows == 0 {
		c.Engine.MaxSkippedRows = 1000
	}
	if c.Engine.PreviewLimit == 0 {
		c.Engine.PreviewLimit = 10
	}
	if c.Database.Type == "" {
		c.Database.Type = dbconfig.DefaultType
	}
	if c.Database.Host == "" && c.Database.DriverType() != "sqlite" {
		c.Database.Host = "localhost"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "local"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "exports"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Engine.BatchSize < 0 {
		return fmt.Errorf("engine.batch_size must be positive, got %d", c.Engine.BatchSize)
	}
	if c.Engine.PreviewLimit < 0 {
		return fmt.Errorf("engine.preview_limit must be positive, got %d", c.Engine.PreviewLimit)
	}
	if c.Server.MaxUploadMB < 0 {
		return fmt.Errorf("server.max_upload_mb must be positive, got %d", c.Server.MaxUploadMB)
	}
	switch c.Database.DriverType() {
	case "clickhouse", "ch", "postgres", "postgresql", "pg", "mysql", "mariadb", "maria",
		"mssql", "sqlserver", "sql-server", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.type %q is not supported", c.Database.Type)
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d is out of range", c.Database.Port)
	}
	if p := strings.ToLower(c.Database.Protocol); p != "" && p != "native" && p != "http" {
		return fmt.Errorf("database.protocol must be native or http, got %q", c.Database.Protocol)
	}
	switch c.Storage.Type {
	case "local":
	case "minio", "s3":
		if c.Storage.EndpointURL == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage.type %s requires endpoint_url and bucket", c.Storage.Type)
		}
	default:
		return fmt.Errorf("storage.type %q is not supported (local, minio)", c.Storage.Type)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", f)
	}
	return nil
}

func (c *Config) hasSecrets() bool {
	return c.Database.Password != "" || c.Database.Token != "" || c.Storage.SecretAccessKey != ""
}

// Publisher returns the export publisher selected by the storage section.
func (c *Config) Publisher() (transfer.Publisher, error) {
	if c.Storage.Type == "local" {
		return storage.Local{}, nil
	}
	m, err := storage.NewMinIO(c.Storage)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EngineOptions returns the transfer engine options.
func (c *Config) EngineOptions(pub transfer.Publisher) transfer.Options {
	return transfer.Options{
		BatchSize:              c.Engine.BatchSize,
		MaxConsecutiveFailures: c.Engine.MaxConsecutiveFailures,
		MaxSkippedRows:         c.Engine.MaxSkippedRows,
		OutputDir:              c.Server.OutputDir,
		SkipCount:              !c.Engine.ShouldCountRows(),
		Publisher:              pub,
	}
}

// ApplyLogging configures the process logger.
func (c *Config) ApplyLogging() {
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		logging.SetLevel(level)
	}
	logging.SetFormat(c.Logging.Format)
}
