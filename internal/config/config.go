// Package config loads and validates the pool coordinator's configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/velora-pool/coordinator/internal/validation"
)

// Config is the full set of recognized configuration keys.
type Config struct {
	Stratum StratumConfig `yaml:"stratum"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Mining  MiningConfig  `yaml:"mining"`
	Pool    PoolConfig    `yaml:"pool"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	API     APIConfig     `yaml:"api"`
}

type StratumConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	MaxConnections int           `yaml:"maxConnections"`
	Timeout        time.Duration `yaml:"timeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
}

type DaemonConfig struct {
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"apiKey"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

type MiningConfig struct {
	Algorithm              string        `yaml:"algorithm"`
	StartingDifficulty     uint64        `yaml:"startingDifficulty"`
	ShareTimeout           time.Duration `yaml:"shareTimeout"`
	MaxShareAge            time.Duration `yaml:"maxShareAge"`
	BlockTime              time.Duration `yaml:"blockTime"`
	TemplateUpdateInterval time.Duration `yaml:"templateUpdateInterval"`
	HashrateCalibration    float64       `yaml:"hashrateCalibration"`
}

type PoolConfig struct {
	PoolAddress string  `yaml:"poolAddress"`
	Fee         float64 `yaml:"fee"`
	MinPayout   int64   `yaml:"minPayout"`
	BlockReward int64   `yaml:"blockReward"`
}

type StoreConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	MigrationsPath  string        `yaml:"migrationsPath"`
}

type CacheConfig struct {
	RedisURL string `yaml:"redisURL"`
}

type APIConfig struct {
	ListenAddress      string        `yaml:"listenAddress"`
	AdminSecret        string        `yaml:"adminSecret"`
	AdminUsername      string        `yaml:"adminUsername"`
	AdminPasswordHash  string        `yaml:"adminPasswordHash"`
	AdminTokenTTL      time.Duration `yaml:"adminTokenTTL"`
}

// Default returns production-sane defaults, overridden by YAML/env.
func Default() Config {
	return Config{
		Stratum: StratumConfig{
			Port:           3333,
			Host:           "0.0.0.0",
			MaxConnections: 100000,
			Timeout:        60 * time.Second,
			IdleTimeout:    10 * time.Minute,
		},
		Daemon: DaemonConfig{
			Timeout: 30 * time.Second,
		},
		Mining: MiningConfig{
			Algorithm:              "velora",
			StartingDifficulty:     100,
			ShareTimeout:           300 * time.Second,
			MaxShareAge:            300 * time.Second,
			BlockTime:              30 * time.Second,
			TemplateUpdateInterval: 30 * time.Second,
			HashrateCalibration:    0.15,
		},
		Pool: PoolConfig{
			Fee:         1.0,
			MinPayout:   100000000,
			BlockReward: 5000000000,
		},
		Store: StoreConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "velorapool",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		API: APIConfig{
			ListenAddress: ":8080",
			AdminTokenTTL: 12 * time.Hour,
		},
	}
}

// Load reads a YAML file (if path is non-empty and exists), applies
// environment variable overrides, then validates the result. Invalid or
// missing required fields are a fatal error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate enforces the fatal-at-startup configuration invariants.
func (c Config) Validate() error {
	if err := validation.ValidatePoolAddress(c.Pool.PoolAddress); err != nil {
		return fmt.Errorf("pool.poolAddress: %w", err)
	}
	if c.Stratum.Port <= 0 || c.Stratum.Port > 65535 {
		return fmt.Errorf("stratum.port must be between 1 and 65535, got %d", c.Stratum.Port)
	}
	if c.Daemon.URL == "" {
		return fmt.Errorf("daemon.url is required")
	}
	if c.Pool.Fee < 0 || c.Pool.Fee > 100 {
		return fmt.Errorf("pool.fee must be between 0 and 100, got %.2f", c.Pool.Fee)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Stratum.Host = getEnv("STRATUM_HOST", cfg.Stratum.Host)
	cfg.Stratum.Port = getEnvInt("STRATUM_PORT", cfg.Stratum.Port)
	cfg.Stratum.MaxConnections = getEnvInt("STRATUM_MAX_CONNECTIONS", cfg.Stratum.MaxConnections)
	cfg.Stratum.Timeout = getEnvDuration("STRATUM_TIMEOUT", cfg.Stratum.Timeout)
	cfg.Stratum.IdleTimeout = getEnvDuration("STRATUM_IDLE_TIMEOUT", cfg.Stratum.IdleTimeout)

	cfg.Daemon.URL = getEnv("DAEMON_URL", cfg.Daemon.URL)
	cfg.Daemon.APIKey = getEnv("DAEMON_API_KEY", cfg.Daemon.APIKey)
	cfg.Daemon.Username = getEnv("DAEMON_USERNAME", cfg.Daemon.Username)
	cfg.Daemon.Password = getEnv("DAEMON_PASSWORD", cfg.Daemon.Password)
	cfg.Daemon.Timeout = getEnvDuration("DAEMON_TIMEOUT", cfg.Daemon.Timeout)

	cfg.Mining.StartingDifficulty = uint64(getEnvInt64("MINING_STARTING_DIFFICULTY", int64(cfg.Mining.StartingDifficulty)))
	cfg.Mining.ShareTimeout = getEnvDuration("MINING_SHARE_TIMEOUT", cfg.Mining.ShareTimeout)
	cfg.Mining.MaxShareAge = getEnvDuration("MINING_MAX_SHARE_AGE", cfg.Mining.MaxShareAge)
	cfg.Mining.BlockTime = getEnvDuration("MINING_BLOCK_TIME", cfg.Mining.BlockTime)
	cfg.Mining.TemplateUpdateInterval = getEnvDuration("MINING_TEMPLATE_UPDATE_INTERVAL", cfg.Mining.TemplateUpdateInterval)
	cfg.Mining.HashrateCalibration = getEnvFloat64("MINING_HASHRATE_CALIBRATION", cfg.Mining.HashrateCalibration)

	cfg.Pool.PoolAddress = getEnv("POOL_ADDRESS", cfg.Pool.PoolAddress)
	cfg.Pool.Fee = getEnvFloat64("POOL_FEE", cfg.Pool.Fee)
	cfg.Pool.MinPayout = getEnvInt64("POOL_MIN_PAYOUT", cfg.Pool.MinPayout)
	cfg.Pool.BlockReward = getEnvInt64("POOL_BLOCK_REWARD", cfg.Pool.BlockReward)

	cfg.Store.Host = getEnv("STORE_HOST", cfg.Store.Host)
	cfg.Store.Port = getEnvInt("STORE_PORT", cfg.Store.Port)
	cfg.Store.Database = getEnv("STORE_DATABASE", cfg.Store.Database)
	cfg.Store.Username = getEnv("STORE_USERNAME", cfg.Store.Username)
	cfg.Store.Password = getEnv("STORE_PASSWORD", cfg.Store.Password)
	cfg.Store.SSLMode = getEnv("STORE_SSL_MODE", cfg.Store.SSLMode)

	cfg.Cache.RedisURL = getEnv("REDIS_URL", cfg.Cache.RedisURL)

	cfg.API.ListenAddress = getEnv("API_LISTEN_ADDRESS", cfg.API.ListenAddress)
	cfg.API.AdminSecret = getEnv("API_ADMIN_SECRET", cfg.API.AdminSecret)
	cfg.API.AdminUsername = getEnv("API_ADMIN_USERNAME", cfg.API.AdminUsername)
	cfg.API.AdminPasswordHash = getEnv("API_ADMIN_PASSWORD_HASH", cfg.API.AdminPasswordHash)
	cfg.API.AdminTokenTTL = getEnvDuration("API_ADMIN_TOKEN_TTL", cfg.API.AdminTokenTTL)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
