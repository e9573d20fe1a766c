package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Limiter  LimiterConfig  `mapstructure:"limiter"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress    string   `mapstructure:"bind_address"`
	GatePort       int      `mapstructure:"gate_port"`
	MetricsPort    int      `mapstructure:"metrics_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // CORS origins of host UIs
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt", "redis" or "memory"
	Path  string      `mapstructure:"path"` // bolt database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LimiterConfig defines the daily usage limiter
type LimiterConfig struct {
	DailyBudget      string `mapstructure:"daily_budget"`
	Timezone         string `mapstructure:"timezone"`
	FailurePolicy    string `mapstructure:"failure_policy"` // "closed" or "open"
	ReloadAtMidnight bool   `mapstructure:"reload_at_midnight"`
	BudgetPolicyDir  string `mapstructure:"budget_policy_dir"`
	WriteTimeout     string `mapstructure:"write_timeout"` // bound on writes made by the expiration timer
}

// RegistryConfig defines how many device profiles are held in memory
type RegistryConfig struct {
	MaxProfiles int `mapstructure:"max_profiles"`
}

// Budget returns the parsed daily budget.
func (c LimiterConfig) Budget() time.Duration {
	d, err := time.ParseDuration(c.DailyBudget)
	if err != nil {
		return DefaultDailyBudget
	}
	return d
}

// StoreTimeout returns the bound on storage writes made outside a request.
func (c LimiterConfig) StoreTimeout() time.Duration {
	d, err := time.ParseDuration(c.WriteTimeout)
	if err != nil || d <= 0 {
		return DefaultWriteTimeout
	}
	return d
}

// Location returns the time zone used for calendar-day comparisons.
func (c LimiterConfig) Location() *time.Location {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// DefaultDailyBudget is the reading time allowed per calendar day.
const DefaultDailyBudget = 90 * time.Minute

// DefaultWriteTimeout bounds storage writes made by expiration timers.
const DefaultWriteTimeout = 5 * time.Second

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KWENTURA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.gate_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.allowed_origins", []string{})

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/kwentura/kwentura.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Limiter defaults
	v.SetDefault("limiter.daily_budget", "90m")
	v.SetDefault("limiter.timezone", "Local")
	v.SetDefault("limiter.failure_policy", "closed")
	v.SetDefault("limiter.reload_at_midnight", false)
	v.SetDefault("limiter.budget_policy_dir", "")
	v.SetDefault("limiter.write_timeout", "5s")

	// Registry defaults
	v.SetDefault("registry.max_profiles", 1024)
}

// ValidKeys returns the set of every recognised configuration key
func ValidKeys() map[string]bool {
	return map[string]bool{
		// Server
		"server.bind_address":    true,
		"server.gate_port":       true,
		"server.metrics_port":    true,
		"server.allowed_origins": true,

		// Storage
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Limiter
		"limiter.daily_budget":       true,
		"limiter.timezone":           true,
		"limiter.failure_policy":     true,
		"limiter.reload_at_midnight": true,
		"limiter.budget_policy_dir":  true,
		"limiter.write_timeout":      true,

		// Registry
		"registry.max_profiles": true,
	}
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.GatePort <= 0 || cfg.Server.GatePort > 65535 {
		return fmt.Errorf("invalid gate port: %d", cfg.Server.GatePort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	budget, err := time.ParseDuration(cfg.Limiter.DailyBudget)
	if err != nil {
		return fmt.Errorf("invalid daily_budget %q: %w", cfg.Limiter.DailyBudget, err)
	}
	if budget <= 0 {
		return fmt.Errorf("daily_budget must be positive, got %s", budget)
	}

	if cfg.Limiter.WriteTimeout != "" {
		timeout, err := time.ParseDuration(cfg.Limiter.WriteTimeout)
		if err != nil {
			return fmt.Errorf("invalid write_timeout %q: %w", cfg.Limiter.WriteTimeout, err)
		}
		if timeout <= 0 {
			return fmt.Errorf("write_timeout must be positive, got %s", timeout)
		}
	}

	if cfg.Limiter.Timezone != "" && !strings.EqualFold(cfg.Limiter.Timezone, "local") {
		if _, err := time.LoadLocation(cfg.Limiter.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", cfg.Limiter.Timezone, err)
		}
	}

	switch cfg.Limiter.FailurePolicy {
	case "":
		cfg.Limiter.FailurePolicy = "closed"
	case "closed", "open":
	default:
		return fmt.Errorf("invalid failure_policy %q (must be closed or open)", cfg.Limiter.FailurePolicy)
	}

	if cfg.Registry.MaxProfiles <= 0 {
		return fmt.Errorf("registry max_profiles must be positive, got %d", cfg.Registry.MaxProfiles)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage redis host is required for redis storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s (must be bolt, redis or memory)", cfg.Storage.Type)
	}

	return nil
}
