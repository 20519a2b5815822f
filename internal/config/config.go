// Package config loads the sagad service configuration from defaults, an
// optional config file, a .env file and SAGA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	EnvVarPrefix = "SAGA"
	DotEnvFile   = ".env"

	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	FileDir      string `mapstructure:"file_dir"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	// Addr is optional; admin operations run unlocked without it.
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type CartConfig struct {
	MaxQuantity int `mapstructure:"max_quantity"`
}

type RecoveryConfig struct {
	Cron         string        `mapstructure:"cron"`
	PendingLimit int           `mapstructure:"pending_limit"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

// Config is the full sagad configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Cart     CartConfig     `mapstructure:"cart"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Store:    StoreConfig{Driver: DriverMemory, FileDir: "./saga-data", MaxOpenConns: 10},
		Redis:    RedisConfig{LockTTL: 30 * time.Second},
		Log:      LogConfig{Level: "info"},
		Cart:     CartConfig{MaxQuantity: 99},
		Recovery: RecoveryConfig{Cron: "*/5 * * * *", PendingLimit: 100, StaleAfter: 15 * time.Minute},
	}
}

// SetDefaults registers every key of Default on v so environment variables
// can override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.file_dir", d.Store.FileDir)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.lock_ttl", d.Redis.LockTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("cart.max_quantity", d.Cart.MaxQuantity)
	v.SetDefault("recovery.cron", d.Recovery.Cron)
	v.SetDefault("recovery.pending_limit", d.Recovery.PendingLimit)
	v.SetDefault("recovery.stale_after", d.Recovery.StaleAfter)
}

// Load reads the configuration into a Config. configFile may be empty.
// Precedence, highest first: values Set on v (flags bound by the caller),
// environment, .env, config file, defaults.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	_ = godotenv.Load(DotEnvFile)

	v.SetEnvPrefix(EnvVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Store.FileDir == "" {
			result = multierror.Append(result, errors.New("store.file_dir is required for the file driver"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			result = multierror.Append(result, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("store.driver %q is not one of memory, file, postgres", c.Store.Driver))
	}
	if c.HTTP.Addr == "" {
		result = multierror.Append(result, errors.New("http.addr must not be empty"))
	}
	if c.Cart.MaxQuantity <= 0 {
		result = multierror.Append(result, errors.New("cart.max_quantity must be positive"))
	}
	if c.Recovery.PendingLimit <= 0 {
		result = multierror.Append(result, errors.New("recovery.pending_limit must be positive"))
	}
	if c.Recovery.StaleAfter <= 0 {
		result = multierror.Append(result, errors.New("recovery.stale_after must be positive"))
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		result = multierror.Append(result, errors.New("redis.lock_ttl must be positive"))
	}
	if _, err := cron.ParseStandard(c.Recovery.Cron); err != nil {
		result = multierror.Append(result, fmt.Errorf("recovery.cron: %w", err))
	}
	return result.ErrorOrNil()
}
