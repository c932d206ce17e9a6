// Package config loads server settings from the environment. A .env file in
// the working directory is read first when present; command-line flags
// override what is loaded here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/erazemk/oprema/internal/cache"
)

// Prefix is prepended to every variable name, e.g. OPREMA_SERVER_ADDR.
const Prefix = "OPREMA"

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Admin     AdminConfig
	Log       LogConfig
	Cache     CacheConfig
	Directory DirectoryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `envconfig:"SERVER_ADDR" default:":8080"`
	ReadHeaderTimeout time.Duration `envconfig:"SERVER_READ_HEADER_TIMEOUT" default:"10s"`
	ReadTimeout       time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout      time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout       time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout   time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"5s"`
	CORSOrigins       []string      `envconfig:"CORS_ORIGINS"`
	Metrics           bool          `envconfig:"METRICS" default:"true"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `envconfig:"DB_PATH" default:"oprema.sqlite3"`
}

// AdminConfig names the account created on first run.
type AdminConfig struct {
	Username string `envconfig:"ADMIN_USER" default:"Admin"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Path  string `envconfig:"LOG_PATH"`
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

// CacheConfig holds directory cache settings.
type CacheConfig struct {
	Type          string        `envconfig:"CACHE_TYPE" default:"memory"`
	Size          int           `envconfig:"CACHE_SIZE" default:"1024"`
	TTL           time.Duration `envconfig:"CACHE_TTL" default:"5m"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix     string        `envconfig:"CACHE_PREFIX" default:"oprema:"`
}

// DirectoryConfig bounds concurrent directory reads.
type DirectoryConfig struct {
	Concurrency int `envconfig:"DIRECTORY_CONCURRENCY" default:"8"`
}

// Backend returns the cache package configuration.
func (c CacheConfig) Backend() cache.Config {
	return cache.Config{
		Type:          c.Type,
		Size:          c.Size,
		TTL:           c.TTL,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		KeyPrefix:     c.KeyPrefix,
	}
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that envconfig cannot.
func (c *Config) Validate() error {
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid cache type %q", c.Cache.Type)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Directory.Concurrency <= 0 {
		return fmt.Errorf("directory concurrency must be positive, got %d", c.Directory.Concurrency)
	}
	return nil
}
