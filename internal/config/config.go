// Package config loads the chat client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
var ConfigPath = "config.yaml"

// Document store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel      string         `yaml:"logLevel"`
	Docstore      DocstoreConfig `yaml:"docstore"`
	DatabaseURL   string         `yaml:"databaseURL"`
	RedisAddr     string         `yaml:"redisAddr"`
	RedisPassword string         `yaml:"redisPassword"`
	Feed          string         `yaml:"feed"`
	Minio         MinioConfig    `yaml:"minio"`
	StorageDir    string         `yaml:"storageDir"`
	BlobURLExpiry string         `yaml:"blobURLExpiry"`
	JWTSecret     string         `yaml:"jwtSecret"`
	SessionTTL    string         `yaml:"sessionTTL"`
	OpTimeout     string         `yaml:"opTimeout"`
	SignInLimit   int            `yaml:"signInLimit"`
	SignInWindow  string         `yaml:"signInWindow"`
}

// DocstoreConfig selects the document backend.
type DocstoreConfig struct {
	Driver string `yaml:"driver"`
}

// MinioConfig points at S3 compatible blob storage. Leave Endpoint empty to
// store attachments under StorageDir instead.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("CHAT_SIGNIN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignInLimit = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	cfg.Docstore.Driver = strings.ToLower(strings.TrimSpace(cfg.Docstore.Driver))
	if cfg.Docstore.Driver == "" {
		cfg.Docstore.Driver = DriverMemory
	}
	cfg.Feed = strings.ToLower(strings.TrimSpace(cfg.Feed))
	if cfg.Feed == "" {
		if cfg.Docstore.Driver == DriverMemory {
			cfg.Feed = DriverMemory
		} else if strings.TrimSpace(cfg.RedisAddr) != "" {
			cfg.Feed = DriverRedis
		} else {
			cfg.Feed = DriverMemory
		}
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = "data/blobs"
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.Docstore.Driver {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis docstore driver")
		}
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres docstore driver (set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown docstore.driver %q", cfg.Docstore.Driver)
	}
	switch cfg.Feed {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis feed")
		}
	default:
		return fmt.Errorf("config: unknown feed %q", cfg.Feed)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set JWT_SECRET)")
	}
	if cfg.Minio.Endpoint != "" {
		if cfg.Minio.Bucket == "" {
			return errors.New("config: minio.bucket is required when minio.endpoint is set")
		}
		if cfg.Minio.AccessKey == "" || cfg.Minio.SecretKey == "" {
			return errors.New("config: minio credentials are required (set MINIO_ACCESS_KEY and MINIO_SECRET_KEY)")
		}
	}
	if cfg.SignInLimit < 0 {
		return errors.New("config: signInLimit must be >= 0")
	}
	for name, v := range map[string]string{
		"blobURLExpiry": cfg.BlobURLExpiry,
		"sessionTTL":    cfg.SessionTTL,
		"opTimeout":     cfg.OpTimeout,
		"signInWindow":  cfg.SignInWindow,
	} {
		if _, err := ParseDuration(name, v, 0); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string, returning def when empty.
func ParseDuration(name, value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}
