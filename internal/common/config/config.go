// Package config provides configuration management for dispatchd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dispatchd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds durable store configuration. Driver is sqlite3 (local
// file, the default) or pgx (PostgreSQL DSN in Path).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds long-poll and routing configuration.
type QueueConfig struct {
	DefaultPollTimeout int `mapstructure:"defaultPollTimeout"` // seconds
	MinPollTimeout     int `mapstructure:"minPollTimeout"`     // seconds
	MaxPollTimeout     int `mapstructure:"maxPollTimeout"`     // seconds
}

// SchedulerConfig holds the maintenance-cycle thresholds.
type SchedulerConfig struct {
	TickInterval      int `mapstructure:"tickInterval"`      // seconds
	AckTimeout        int `mapstructure:"ackTimeout"`        // seconds
	StaleTaskTimeout  int `mapstructure:"staleTaskTimeout"`  // seconds
	OrphanTimeout     int `mapstructure:"orphanTimeout"`     // seconds
	AgentCleanupAfter int `mapstructure:"agentCleanupAfter"` // seconds
}

// MCPConfig holds the MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
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

// DefaultPollTimeoutDuration returns the default long-poll timeout.
func (q *QueueConfig) DefaultPollTimeoutDuration() time.Duration {
	return time.Duration(q.DefaultPollTimeout) * time.Second
}

// MinPollTimeoutDuration returns the lower clamp for long-poll timeouts.
func (q *QueueConfig) MinPollTimeoutDuration() time.Duration {
	return time.Duration(q.MinPollTimeout) * time.Second
}

// MaxPollTimeoutDuration returns the upper clamp for long-poll timeouts.
func (q *QueueConfig) MaxPollTimeoutDuration() time.Duration {
	return time.Duration(q.MaxPollTimeout) * time.Second
}

// TickIntervalDuration returns the scheduler tick interval.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// AckTimeoutDuration returns the PENDING_ACK reclaim threshold.
func (s *SchedulerConfig) AckTimeoutDuration() time.Duration {
	return time.Duration(s.AckTimeout) * time.Second
}

// StaleTaskTimeoutDuration returns the in-progress staleness threshold.
func (s *SchedulerConfig) StaleTaskTimeoutDuration() time.Duration {
	return time.Duration(s.StaleTaskTimeout) * time.Second
}

// OrphanTimeoutDuration returns the offline-assignee threshold.
func (s *SchedulerConfig) OrphanTimeoutDuration() time.Duration {
	return time.Duration(s.OrphanTimeout) * time.Second
}

// AgentCleanupAfterDuration returns the stale-agent cleanup threshold.
func (s *SchedulerConfig) AgentCleanupAfterDuration() time.Duration {
	return time.Duration(s.AgentCleanupAfter) * time.Second
}

// detectDefaultLogFormat returns json for production environments and a
// human-readable console format for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DISPATCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 310) // above the long-poll ceiling
	v.SetDefault("server.writeTimeout", 310)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "dispatchd.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dispatchd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("queue.defaultPollTimeout", 290)
	v.SetDefault("queue.minPollTimeout", 1)
	v.SetDefault("queue.maxPollTimeout", 300)

	v.SetDefault("scheduler.tickInterval", 5)
	v.SetDefault("scheduler.ackTimeout", 60)
	v.SetDefault("scheduler.staleTaskTimeout", 1800)
	v.SetDefault("scheduler.orphanTimeout", 300)
	v.SetDefault("scheduler.agentCleanupAfter", 86400)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DISPATCHD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/dispatchd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase config keys, so bind the ones
	// whose env var naming differs from the config key naming.
	_ = v.BindEnv("database.path", "DISPATCHD_DB_PATH", "DISPATCHD_DATABASE_PATH")
	_ = v.BindEnv("scheduler.tickInterval", "DISPATCHD_SCHEDULER_TICK_INTERVAL")
	_ = v.BindEnv("queue.defaultPollTimeout", "DISPATCHD_QUEUE_DEFAULT_POLL_TIMEOUT")
	_ = v.BindEnv("mcp.port", "DISPATCHD_MCP_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatchd/")

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

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
	if cfg.Queue.MinPollTimeout < 1 || cfg.Queue.MaxPollTimeout < cfg.Queue.MinPollTimeout {
		return fmt.Errorf("invalid poll timeout bounds [%d, %d]", cfg.Queue.MinPollTimeout, cfg.Queue.MaxPollTimeout)
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}
	return nil
}
