package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Session   SessionConfig   `mapstructure:"session"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Mode        string   `mapstructure:"mode"` // gin mode: debug, release, test
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	File    string `mapstructure:"file"`
}

type StoreConfig struct {
	Driver      string      `mapstructure:"driver"` // memory, redis, sql
	MaxAttempts int         `mapstructure:"max_attempts"`
	Redis       RedisConfig `mapstructure:"redis"`
	SQL         SQLConfig   `mapstructure:"sql"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type SQLConfig struct {
	Driver  string `mapstructure:"driver"` // postgres, mysql, sqlite3
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type AllocatorConfig struct {
	FailurePolicy string `mapstructure:"failure_policy"` // degrade, fail
	Interactive   bool   `mapstructure:"interactive"`
	RandomMax     int64  `mapstructure:"random_max"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// Addr returns the server listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.verbose", false)
	v.SetDefault("log.file", "")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_attempts", 10)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "raffle:")
	v.SetDefault("store.sql.driver", "sqlite3")
	v.SetDefault("store.sql.dsn", "file:raffle.db?_txlock=immediate")
	v.SetDefault("store.sql.migrate", true)

	v.SetDefault("allocator.failure_policy", "degrade")
	v.SetDefault("allocator.interactive", true)
	v.SetDefault("allocator.random_max", 1000000)

	v.SetDefault("admin.token", "")

	v.SetDefault("session.idle_timeout", time.Hour)
	v.SetDefault("session.cleanup_schedule", "@every 10m")
}

// Load reads the optional YAML file at path, applies RAFFLE_* environment
// overrides (RAFFLE_STORE_DRIVER overrides store.driver) and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAFFLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks the values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("%w: store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	switch c.Allocator.FailurePolicy {
	case "degrade", "fail":
	default:
		return fmt.Errorf("%w: allocator.failure_policy %q", ErrInvalidConfig, c.Allocator.FailurePolicy)
	}
	if c.Allocator.RandomMax <= 0 {
		return fmt.Errorf("%w: allocator.random_max must be positive", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrInvalidConfig, c.Server.Port)
	}
	return nil
}
