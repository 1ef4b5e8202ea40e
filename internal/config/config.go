// Package config provides configuration loading and management for the sync server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/learnloop/sync-server/internal/telemetry"
)

// Environment variables consulted for secrets that should not live in the
// config file.
const (
	// EnvDatabasePassword overrides the database password when no password
	// file is configured.
	EnvDatabasePassword = "LEARNLOOP_DATABASE_PASSWORD"

	// EnvAuthSecret overrides the JWT signing secret when no secret file is
	// configured.
	EnvAuthSecret = "LEARNLOOP_AUTH_SECRET"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = ":8080"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Address is the HTTP listen address, defaulting to ":8080"
	Address string `yaml:"address,omitempty"`

	Database  *DatabaseConfig   `yaml:"database"`
	Redis     *RedisConfig      `yaml:"redis,omitempty"`
	Auth      *AuthConfig       `yaml:"auth"`
	Sync      *SyncConfig       `yaml:"sync,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of pooled connections
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of pooled connections kept open
	MinConns int32 `yaml:"minConns,omitempty"`
}

// RedisConfig defines the pub/sub broker connection settings. When absent,
// change notifications are disabled and sync still works.
type RedisConfig struct {
	// Addr is the host:port of the redis server
	Addr string `yaml:"addr"`

	// PasswordFile is the path to a file containing the redis password
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// DB is the redis logical database number
	DB int `yaml:"db,omitempty"`
}

// AuthConfig defines token validation settings
type AuthConfig struct {
	// SecretFile is the path to a file containing the JWT signing secret
	SecretFile string `yaml:"secretFile,omitempty"`

	// Issuer, when set, must match the token's iss claim
	Issuer string `yaml:"issuer,omitempty"`

	// Audience, when set, must match one of the token's aud values
	Audience string `yaml:"audience,omitempty"`
}

// SyncConfig tunes the sync engine. Zero values fall back to the service
// defaults.
type SyncConfig struct {
	// BatchSize is the number of operations sharing one push transaction
	BatchSize int `yaml:"batchSize,omitempty"`

	// PullLimit is the default number of changes returned per pull
	PullLimit int `yaml:"pullLimit,omitempty"`

	// AutoResolve toggles automatic conflict resolution (default true)
	AutoResolve *bool `yaml:"autoResolve,omitempty"`

	// MaxPendingConflicts caps the pending conflict listing
	MaxPendingConflicts int `yaml:"maxPendingConflicts,omitempty"`
}

// AutoResolveEnabled returns the auto-resolve flag, defaulting to true.
func (s *SyncConfig) AutoResolveEnabled() bool {
	if s == nil || s.AutoResolve == nil {
		return true
	}
	return *s.AutoResolve
}

// readSecretFile reads and trims a secret from a file.
func readSecretFile(path string) (string, error) {
	// Use filepath.Clean to prevent path traversal attacks
	cleanPath := filepath.Clean(path)

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
	}

	// Trim whitespace (including newlines) from file content
	return strings.TrimSpace(string(data)), nil
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the LEARNLOOP_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		return readSecretFile(d.PasswordFile)
	}

	if envPassword := os.Getenv(EnvDatabasePassword); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable",
		EnvDatabasePassword,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetPassword returns the redis password from the configured file, or empty
// when none is set (redis auth is optional).
func (r *RedisConfig) GetPassword() (string, error) {
	if r.PasswordFile == "" {
		return "", nil
	}
	return readSecretFile(r.PasswordFile)
}

// GetSecret returns the JWT signing secret using the following priority:
// 1. Read from SecretFile if specified
// 2. Read from the LEARNLOOP_AUTH_SECRET environment variable
func (a *AuthConfig) GetSecret() (string, error) {
	if a.SecretFile != "" {
		return readSecretFile(a.SecretFile)
	}

	if envSecret := os.Getenv(EnvAuthSecret); envSecret != "" {
		return envSecret, nil
	}

	return "", fmt.Errorf(
		"no auth secret configured: set secretFile or %s environment variable",
		EnvAuthSecret,
	)
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetAddress returns the listen address, using the default if not specified.
func (c *Config) GetAddress() string {
	if c.Address == "" {
		return DefaultAddress
	}
	return c.Address
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}

	if c.Redis != nil && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is configured")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return c.Sync.validate()
}

func (d *DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("database.port must be in (0, 65535], got %d", d.Port)
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s == nil {
		return nil
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("sync.batchSize must not be negative, got %d", s.BatchSize)
	}
	if s.PullLimit < 0 {
		return fmt.Errorf("sync.pullLimit must not be negative, got %d", s.PullLimit)
	}
	if s.MaxPendingConflicts < 0 {
		return fmt.Errorf("sync.maxPendingConflicts must not be negative, got %d", s.MaxPendingConflicts)
	}
	return nil
}
