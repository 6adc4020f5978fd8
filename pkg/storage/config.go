package storage

import (
	"fmt"
	"time"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Config for storage backends
type Config struct {
	Type string // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration
	PostgresMigrate     bool

	// S3 config (webhook payload archive)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis config (shared rate limits, notifications)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 1 * time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		PostgresMigrate:     true,
		S3Region:            "us-east-1",
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}

// Validate checks that the selected backend is fully configured
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
	case TypePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.PostgresMaxConns < 1 {
			return fmt.Errorf("postgres max connections must be at least 1")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
	if c.S3Bucket == "" && c.S3Endpoint != "" {
		return fmt.Errorf("S3 bucket is required when an S3 endpoint is set")
	}
	return nil
}

// ArchiveEnabled reports whether webhook payloads should be archived to S3
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// RedisEnabled reports whether a Redis URL is configured
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}
