package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// app config; env wins over the yaml file, which wins over defaults
type Config struct {
	Port        string `yaml:"port"`
	RedisAddr   string `yaml:"redis_addr"`
	StoreDriver string `yaml:"store_driver"`
	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`
	OracleURL   string `yaml:"oracle_url"`
	LogLevel    string `yaml:"log_level"`

	ResolverInterval    time.Duration `yaml:"resolver_interval"`
	ResolverMaxAttempts int           `yaml:"resolver_max_attempts"`
	ResolverBudget      time.Duration `yaml:"resolver_budget"`
	ResolverSweep       string        `yaml:"resolver_sweep"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

func defaults() *Config {
	return &Config{
		Port:                "8080",
		RedisAddr:           "localhost:6379",
		StoreDriver:         DriverRedis,
		OracleURL:           "http://localhost:9000",
		ResolverInterval:    2 * time.Second,
		ResolverMaxAttempts: 30,
		ResolverBudget:      90 * time.Second,
		ResolverSweep:       "@every 30s",
		AllowedOrigins:      []string{"*"},
	}
}

// loads configuration from .env, the MATCHSYNC_CONFIG yaml file and the environment
func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	config := defaults()
	if path := os.Getenv("MATCHSYNC_CONFIG"); path != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
	}

	var err error
	config.Port = getEnvOrDefault("PORT", config.Port)
	config.RedisAddr = getEnvOrDefault("REDIS_ADDR", config.RedisAddr)
	config.StoreDriver = strings.ToLower(getEnvOrDefault("STORE_DRIVER", config.StoreDriver))
	config.DatabaseURL = getEnvOrDefault("DATABASE_URL", config.DatabaseURL)
	config.JWTSecret = getEnvOrDefault("JWT_SECRET", config.JWTSecret)
	config.OracleURL = getEnvOrDefault("ORACLE_URL", config.OracleURL)
	config.LogLevel = getEnvOrDefault("LOG_LEVEL", config.LogLevel)
	config.ResolverSweep = getEnvOrDefault("RESOLVER_SWEEP", config.ResolverSweep)
	if config.ResolverInterval, err = getDurationOrDefault("RESOLVER_INTERVAL", config.ResolverInterval); err != nil {
		return nil, err
	}
	if config.ResolverBudget, err = getDurationOrDefault("RESOLVER_BUDGET", config.ResolverBudget); err != nil {
		return nil, err
	}
	if config.ResolverMaxAttempts, err = getIntOrDefault("RESOLVER_MAX_ATTEMPTS", config.ResolverMaxAttempts); err != nil {
		return nil, err
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		config.AllowedOrigins = splitList(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func validateConfig(config *Config) error {
	switch config.StoreDriver {
	case DriverRedis:
	case DriverPostgres, DriverSQLite:
		if config.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for store driver " + config.StoreDriver)
		}
	default:
		return errors.New("unsupported store driver: " + config.StoreDriver + ". Currently supported: redis, postgres, sqlite")
	}
	if config.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if config.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if config.ResolverInterval <= 0 || config.ResolverBudget <= 0 {
		return errors.New("resolver interval and budget must be positive")
	}
	if config.ResolverMaxAttempts <= 0 {
		return errors.New("RESOLVER_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
