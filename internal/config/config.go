// Package config loads configuration from environment variables and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds file repository tool configuration.
type Config struct {
	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics endpoint, disabled when empty
	MetricsAddr string `yaml:"metrics_addr"`

	// Object storage behind the container ("local" or "s3", default: "local")
	StorageBackend   string `yaml:"storage_backend"`
	LocalStoragePath string `yaml:"local_storage_path"`

	// S3 storage
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
	S3Prefix    string `yaml:"s3_prefix"`

	// Container
	ContainerHashType string `yaml:"container_hash_type"`
	PackSizeTarget    int64  `yaml:"pack_size_target"`
	PackCompress      bool   `yaml:"pack_compress"`

	// Database (only needed to migrate a live profile)
	DatabaseURL string `yaml:"database_url"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "console"),
		MetricsAddr:       envOr("METRICS_ADDR", ""),
		StorageBackend:    envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:  envOr("LOCAL_STORAGE_PATH", ""),
		S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:          envOr("S3_BUCKET", "filerepo"),
		S3AccessKey:       envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3UseSSL:          envBool("S3_USE_SSL", false),
		S3Prefix:          envOr("S3_PREFIX", ""),
		ContainerHashType: envOr("CONTAINER_HASH_TYPE", "sha256"),
		PackSizeTarget:    envInt64("PACK_SIZE_TARGET", 4*1024*1024*1024), // 4GB default
		PackCompress:      envBool("PACK_COMPRESS", false),
		DatabaseURL:       envOr("DATABASE_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads the environment configuration and overlays the values set in
// the YAML file at path.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "local", "s3":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local or s3, got %q", c.StorageBackend)
	}
	switch c.ContainerHashType {
	case "sha256", "blake2b":
	default:
		return fmt.Errorf("CONTAINER_HASH_TYPE must be sha256 or blake2b, got %q", c.ContainerHashType)
	}
	if c.PackSizeTarget <= 0 {
		return fmt.Errorf("PACK_SIZE_TARGET must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
