// Package config provides configuration management for Agor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agor.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	SocketDir    string `mapstructure:"socketDir"`    // directory for executor unix sockets
}

// DatabaseConfig holds database configuration. Dialect is "sqlite" or
// "postgres"; when URL is set the dialect defaults to postgres.
type DatabaseConfig struct {
	Dialect  string `mapstructure:"dialect"`
	Path     string `mapstructure:"path"` // sqlite file path
	URL      string `mapstructure:"url"`  // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds token signing configuration.
type AuthConfig struct {
	Secret          string `mapstructure:"secret"`
	AccessTokenTTL  int    `mapstructure:"accessTokenTtl"`  // in seconds
	ServiceTokenTTL int    `mapstructure:"serviceTokenTtl"` // in seconds
}

// Executor spawn modes. Feathers executors carry the prompt in argv and
// dial the daemon socket; IPC executors own their own socket and wait for
// an execute_prompt call.
const (
	SpawnModeFeathers = "feathers"
	SpawnModeIPC      = "ipc"
)

// ExecutionConfig controls how executors are spawned.
type ExecutionConfig struct {
	RunAsUnixUser    bool   `mapstructure:"runAsUnixUser"`
	ExecutorUnixUser string `mapstructure:"executorUnixUser"`
	UseExecutor      bool   `mapstructure:"useExecutor"`
	ExecutorBin      string `mapstructure:"executorBin"`
	SpawnMode        string `mapstructure:"spawnMode"`
}

// LimitsConfig bounds every suspension point in the orchestrator.
type LimitsConfig struct {
	RPCTimeout          int `mapstructure:"rpcTimeout"`          // seconds
	SocketWaitTimeout   int `mapstructure:"socketWaitTimeout"`   // seconds
	StopAckTimeout      int `mapstructure:"stopAckTimeout"`      // seconds
	StopCompleteTimeout int `mapstructure:"stopCompleteTimeout"` // seconds
	PermissionTimeout   int `mapstructure:"permissionTimeout"`   // seconds
}

// PathsConfig holds filesystem layout configuration.
type PathsConfig struct {
	HomeBase string `mapstructure:"homeBase"` // base of per-user home directories
	DataHome string `mapstructure:"dataHome"` // daemon state (db, master key, sockets)
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

// AccessTokenTTLDuration returns the user token lifetime.
func (a *AuthConfig) AccessTokenTTLDuration() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}

// ServiceTokenTTLDuration returns the executor token lifetime.
func (a *AuthConfig) ServiceTokenTTLDuration() time.Duration {
	return time.Duration(a.ServiceTokenTTL) * time.Second
}

// RPCTimeoutDuration returns the default JSON-RPC call timeout.
func (l *LimitsConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(l.RPCTimeout) * time.Second
}

// SocketWaitDuration returns how long to wait for an executor socket.
func (l *LimitsConfig) SocketWaitDuration() time.Duration {
	return time.Duration(l.SocketWaitTimeout) * time.Second
}

// StopAckDuration returns the per-attempt stop acknowledgement timeout.
func (l *LimitsConfig) StopAckDuration() time.Duration {
	return time.Duration(l.StopAckTimeout) * time.Second
}

// StopCompleteDuration returns the stop completion timeout.
func (l *LimitsConfig) StopCompleteDuration() time.Duration {
	return time.Duration(l.StopCompleteTimeout) * time.Second
}

// PermissionDuration returns the pending permission decision timeout.
func (l *LimitsConfig) PermissionDuration() time.Duration {
	return time.Duration(l.PermissionTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AGOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3030)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.socketDir", "")

	// Database defaults - sqlite unless a postgres URL is configured
	v.SetDefault("database.dialect", "")
	v.SetDefault("database.path", "~/.agor/agor.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agor-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.accessTokenTtl", 86400)
	v.SetDefault("auth.serviceTokenTtl", 3600)

	// Execution defaults
	v.SetDefault("execution.runAsUnixUser", false)
	v.SetDefault("execution.executorUnixUser", "")
	v.SetDefault("execution.useExecutor", true)
	v.SetDefault("execution.executorBin", "")
	v.SetDefault("execution.spawnMode", SpawnModeFeathers)

	// Every orchestrator suspension point has a bounded timeout
	v.SetDefault("limits.rpcTimeout", 30)
	v.SetDefault("limits.socketWaitTimeout", 5)
	v.SetDefault("limits.stopAckTimeout", 5)
	v.SetDefault("limits.stopCompleteTimeout", 30)
	v.SetDefault("limits.permissionTimeout", 60)

	// Paths defaults
	v.SetDefault("paths.homeBase", "/home")
	v.SetDefault("paths.dataHome", "~/.agor")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGOR_ with snake_case naming.
// The config file should be named config.yaml and placed in the current
// directory or /etc/agor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// AGOR_DB_PATH, DATABASE_URL, AGOR_DB_DIALECT and PORT are the historic
	// names recognized by deployments.
	_ = v.BindEnv("database.path", "AGOR_DB_PATH")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.dialect", "AGOR_DB_DIALECT")
	_ = v.BindEnv("server.port", "PORT", "AGOR_SERVER_PORT")
	_ = v.BindEnv("paths.homeBase", "AGOR_HOME_BASE")
	_ = v.BindEnv("paths.dataHome", "AGOR_DATA_HOME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agor/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Dialect {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, "database.dialect must be one of: sqlite, postgres")
	}
	if cfg.Database.Dialect == "postgres" && cfg.Database.URL == "" {
		errs = append(errs, "database.url is required for the postgres dialect")
	}

	switch cfg.Execution.SpawnMode {
	case "", SpawnModeFeathers, SpawnModeIPC:
	default:
		errs = append(errs, "execution.spawnMode must be one of: feathers, ipc")
	}

	// Auth validation - generate a throwaway secret if not set (dev mode)
	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = generateDevSecret()
	}
	if cfg.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.accessTokenTtl must be positive")
	}
	if cfg.Auth.ServiceTokenTTL <= 0 {
		errs = append(errs, "auth.serviceTokenTtl must be positive")
	}

	for name, value := range map[string]int{
		"limits.rpcTimeout":          cfg.Limits.RPCTimeout,
		"limits.socketWaitTimeout":   cfg.Limits.SocketWaitTimeout,
		"limits.stopAckTimeout":      cfg.Limits.StopAckTimeout,
		"limits.stopCompleteTimeout": cfg.Limits.StopCompleteTimeout,
		"limits.permissionTimeout":   cfg.Limits.PermissionTimeout,
	} {
		if value <= 0 {
			errs = append(errs, name+" must be positive")
		}
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

// ResolvedDialect returns the effective database dialect.
func (d *DatabaseConfig) ResolvedDialect() string {
	if d.Dialect != "" {
		return d.Dialect
	}
	if d.URL != "" {
		return "postgres"
	}
	return "sqlite"
}

// generateDevSecret generates a random secret for development mode.
// In production, operators should set AGOR_AUTH_SECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
