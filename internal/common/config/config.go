// Package config provides configuration management for Relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Relay.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	StartTask StartTaskConfig `mapstructure:"startTask"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the host/port/user fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RuntimeConfig holds configuration for talking to conversation runtimes.
type RuntimeConfig struct {
	// BaseURL is the default runtime API endpoint used when a conversation
	// does not carry its own URL yet.
	BaseURL string `mapstructure:"baseUrl"`

	// RequestTimeout bounds a single gateway call, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`

	// SessionKeyHeader is the header carrying the per-conversation API key.
	SessionKeyHeader string `mapstructure:"sessionKeyHeader"`
}

// SandboxConfig holds sandbox provisioner configuration.
type SandboxConfig struct {
	// Provider selects the sandbox backend: "docker", "sprites", or "none".
	Provider string `mapstructure:"provider"`

	// Docker settings (provider=docker)
	DockerHost   string `mapstructure:"dockerHost"`
	Image        string `mapstructure:"image"`
	Network      string `mapstructure:"network"`
	WorkspaceDir string `mapstructure:"workspaceDir"`

	// Sprites settings (provider=sprites)
	SpritesToken  string `mapstructure:"spritesToken"`
	SpritesPrefix string `mapstructure:"spritesPrefix"`
}

// StartTaskConfig holds start-task pipeline configuration.
type StartTaskConfig struct {
	// RetentionMinutes is how long terminal tasks are kept before cleanup
	// purges them during search. Floor of 5 minutes is enforced.
	RetentionMinutes int `mapstructure:"retentionMinutes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the gateway request timeout as a time.Duration.
func (r *RuntimeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// Retention returns the start-task retention window, clamped to the floor.
func (s *StartTaskConfig) Retention() time.Duration {
	minutes := s.RetentionMinutes
	if minutes < 5 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "relay.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Runtime defaults
	v.SetDefault("runtime.baseUrl", "http://localhost:3000")
	v.SetDefault("runtime.requestTimeout", 30)
	v.SetDefault("runtime.sessionKeyHeader", "X-Session-API-Key")

	// Sandbox defaults - no provisioner unless configured
	v.SetDefault("sandbox.provider", "none")
	v.SetDefault("sandbox.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.image", "relay-runtime:latest")
	v.SetDefault("sandbox.network", "bridge")
	v.SetDefault("sandbox.workspaceDir", "/workspace")
	v.SetDefault("sandbox.spritesToken", "")
	v.SetDefault("sandbox.spritesPrefix", "relay-")

	// Start-task defaults
	v.SetDefault("startTask.retentionMinutes", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("runtime.baseUrl", "RELAY_RUNTIME_BASE_URL")
	_ = v.BindEnv("sandbox.spritesToken", "RELAY_SANDBOX_SPRITES_TOKEN", "SPRITES_TOKEN")
	_ = v.BindEnv("startTask.retentionMinutes", "RELAY_START_TASK_RETENTION_MINUTES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Sandbox.Provider {
	case "none", "docker":
	case "sprites":
		if cfg.Sandbox.SpritesToken == "" {
			errs = append(errs, "sandbox.spritesToken is required for the sprites provider")
		}
	default:
		errs = append(errs, "sandbox.provider must be one of: none, docker, sprites")
	}

	if cfg.Runtime.RequestTimeout <= 0 {
		errs = append(errs, "runtime.requestTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
