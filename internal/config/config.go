// Package config loads gateway configuration from the environment and
// materializes it as config.json next to the binary. Subsequent starts read
// the file back and overlay any environment overrides, so operators can edit
// either side.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	// Host and Port define the south-side listen address.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// AdminKey authorizes account-management endpoints.
	AdminKey string `yaml:"admin-key" json:"admin-key"`

	// Database holds the relational store settings.
	Database DatabaseConfig `yaml:"database" json:"database"`

	// OAuthCallbackURL is the externally reachable URL the AntiHook helper
	// posts provider callbacks to.
	OAuthCallbackURL string `yaml:"oauth-callback-url" json:"oauth-callback-url"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log-level" json:"log-level"`

	// LogFile enables file logging with rotation when non-empty.
	LogFile string `yaml:"log-file" json:"log-file"`

	// RequestTimeoutSeconds bounds a single upstream request end to end.
	// Defaults to 600 (10 minutes).
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`

	// ShutdownGraceSeconds is how long in-flight requests are drained on stop.
	ShutdownGraceSeconds int `yaml:"shutdown-grace-seconds" json:"shutdown-grace-seconds"`

	// QuotaRefreshWorkers bounds concurrent background models-list refreshes.
	QuotaRefreshWorkers int `yaml:"quota-refresh-workers" json:"quota-refresh-workers"`
}

// DatabaseConfig selects the gorm driver and DSN.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string `yaml:"driver" json:"driver"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Name     string `yaml:"name" json:"name"`
	// Path is the sqlite file path when Driver is "sqlite".
	Path string `yaml:"path" json:"path"`
}

// DSN renders the driver-specific connection string.
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			d.Host, d.Port, d.User, d.Password, d.Name)
	default:
		if d.Path != "" {
			return d.Path
		}
		return "gateway.db"
	}
}

// RequestTimeout returns the per-request upstream deadline.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the drain deadline for graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	if c.ShutdownGraceSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func defaultConfig() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8317,
		LogLevel:              "info",
		RequestTimeoutSeconds: 600,
		ShutdownGraceSeconds:  30,
		QuotaRefreshWorkers:   4,
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "gateway.db",
		},
	}
}

// Load builds the configuration: built-in defaults, then the operator's YAML
// defaults file next to path, then config.json if present, then environment
// overrides. The merged result is written back to path so the generated file
// always reflects the effective configuration.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if err := LoadYAMLDefaults(cfg, defaultsPath(path)); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(path); err == nil {
		if errUnmarshal := json.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := Save(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultsPath is the operator-editable YAML defaults file that lives next
// to the generated config.json.
func defaultsPath(path string) string {
	return filepath.Join(filepath.Dir(path), "config.defaults.yaml")
}

// LoadYAMLDefaults overlays a YAML defaults file onto cfg when the file exists.
func LoadYAMLDefaults(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	return nil
}

// Save writes the effective configuration as pretty JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
			return errMkdir
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("GATEWAY_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_KEY"); v != "" {
		cfg.AdminKey = v
	}
	if v := os.Getenv("GATEWAY_OAUTH_CALLBACK_URL"); v != "" {
		cfg.OAuthCallbackURL = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := envInt("GATEWAY_REQUEST_TIMEOUT_SECONDS"); v > 0 {
		cfg.RequestTimeoutSeconds = v
	}
	if v := envInt("GATEWAY_SHUTDOWN_GRACE_SECONDS"); v > 0 {
		cfg.ShutdownGraceSeconds = v
	}
	if v := envInt("GATEWAY_QUOTA_REFRESH_WORKERS"); v > 0 {
		cfg.QuotaRefreshWorkers = v
	}
	if v := os.Getenv("GATEWAY_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GATEWAY_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := envInt("GATEWAY_DB_PORT"); v > 0 {
		cfg.Database.Port = v
	}
	if v := os.Getenv("GATEWAY_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("GATEWAY_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("GATEWAY_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("GATEWAY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
