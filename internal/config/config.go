package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Blob drivers.
const (
	BlobDriverMemory = "memory"
	BlobDriverRedis  = "redis"
)

// EnvConfigPath names the environment variable pointing at a config file.
const EnvConfigPath = "SHYGUY_CONFIG"

// Config holds the complete application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Blobs   BlobConfig    `yaml:"blobs"`
	History HistoryConfig `yaml:"history"`
	Auth    AuthConfig    `yaml:"auth"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr               string        `yaml:"addr"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
}

// BackendConfig locates the mosaic service.
type BackendConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
}

// BlobConfig selects where processed images are kept.
type BlobConfig struct {
	Driver    string        `yaml:"driver"`
	URLPrefix string        `yaml:"urlPrefix"`
	RedisAddr string        `yaml:"redisAddr"`
	TTL       time.Duration `yaml:"ttl"`
}

// HistoryConfig enables the submission history when DSN is set.
type HistoryConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig enables JWT auth on the API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwtSecret"`
	JWTAudience string `yaml:"jwtAudience"`
}

// HealthConfig configures the gRPC health endpoint.
type HealthConfig struct {
	GRPCAddr      string        `yaml:"grpcAddr"`
	ProbeInterval time.Duration `yaml:"probeInterval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ShutdownTimeout:    15 * time.Second,
			SessionIdleTimeout: 30 * time.Minute,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 60 * time.Second,
		},
		Blobs: BlobConfig{
			Driver:    BlobDriverMemory,
			URLPrefix: "/blobs",
			RedisAddr: "redis:6379",
			TTL:       30 * time.Minute,
		},
		Health: HealthConfig{
			ProbeInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from, in increasing precedence, the
// defaults, a YAML file and environment variables. path may be empty, in
// which case $SHYGUY_CONFIG and ./config.yaml are tried. It returns the
// file actually used, or "" for none.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	used, err := loadFromFile(&cfg, path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}
	if err := loadFromEnv(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, used, nil
}

func loadFromFile(cfg *Config, explicit string) (string, error) {
	if explicit != "" {
		return explicit, readFile(cfg, explicit)
	}

	for _, path := range []string{os.Getenv(EnvConfigPath), "./config.yaml"} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		return path, readFile(cfg, path)
	}
	return "", nil
}

func readFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "SHYGUY_HTTP_ADDR")
	setString(&cfg.Backend.BaseURL, "MOSAIC_BACKEND_URL")
	setString(&cfg.Blobs.Driver, "BLOB_DRIVER")
	setString(&cfg.Blobs.RedisAddr, "REDIS_ADDR")
	setString(&cfg.History.DSN, "DATABASE_DSN")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.Health.GRPCAddr, "HEALTH_GRPC_ADDR")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	durations := map[string]*time.Duration{
		"MOSAIC_BACKEND_TIMEOUT": &cfg.Backend.Timeout,
		"BLOB_TTL":               &cfg.Blobs.TTL,
		"SESSION_IDLE_TIMEOUT":   &cfg.Server.SessionIdleTimeout,
		"SHUTDOWN_TIMEOUT":       &cfg.Server.ShutdownTimeout,
	}
	for key, target := range durations {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func setString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	parsed, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("invalid backend url %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend timeout cannot be negative")
	}
	switch c.Blobs.Driver {
	case BlobDriverMemory:
	case BlobDriverRedis:
		if c.Blobs.RedisAddr == "" {
			return fmt.Errorf("redis blob driver requires an address")
		}
		if c.Blobs.TTL > 0 && c.Blobs.TTL < c.Server.SessionIdleTimeout {
			return fmt.Errorf("blob ttl %s must not be shorter than the session idle timeout %s", c.Blobs.TTL, c.Server.SessionIdleTimeout)
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blobs.Driver)
	}
	if c.Health.GRPCAddr != "" && c.Health.ProbeInterval <= 0 {
		return fmt.Errorf("health probe interval must be positive")
	}
	return nil
}
