package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Rate limit store backends
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Billing configuration
	Billing BillingConfig

	// Rate limit configuration
	RateLimit RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// BillingConfig holds payment provider and grace period settings
type BillingConfig struct {
	GracePeriod     time.Duration
	ProviderTimeout time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string

	PayPalClientID     string
	PayPalClientSecret string
	PayPalWebhookID    string
	PayPalBaseURL      string

	// PriceCatalog is an optional yaml file mapping provider price ids to plans
	PriceCatalog string

	SweepSchedule  string
	SweepInProcess bool
	SweepBatchSize int
	SweepWorkers   int

	NotifyChannel string
}

// StripeEnabled reports whether Stripe webhooks are accepted
func (b BillingConfig) StripeEnabled() bool {
	return b.StripeWebhookSecret != ""
}

// PayPalEnabled reports whether PayPal webhooks are accepted
func (b BillingConfig) PayPalEnabled() bool {
	return b.PayPalClientID != "" && b.PayPalClientSecret != ""
}

// RateLimitConfig holds sliding window limiter settings
type RateLimitConfig struct {
	Backend         string
	Window          time.Duration
	Max             int
	Idle            time.Duration
	CompactInterval time.Duration
	MaxKeys         int
	RedisPrefix     string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       loadBillingConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TOLLGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TOLLGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TOLLGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TOLLGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TOLLGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TOLLGATE_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("TOLLGATE_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("TOLLGATE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("TOLLGATE_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TOLLGATE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	cfg.PostgresMigrate = getEnvBool("TOLLGATE_POSTGRES_MIGRATE", cfg.PostgresMigrate)

	// S3 archive config
	if s3Endpoint := getEnv("TOLLGATE_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("TOLLGATE_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("TOLLGATE_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3AccessKey := getEnv("TOLLGATE_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("TOLLGATE_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	cfg.S3UsePathStyle = getEnvBool("TOLLGATE_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis config
	if redisURL := getEnv("TOLLGATE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TOLLGATE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TOLLGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TOLLGATE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadBillingConfig loads payment provider configuration from environment
func loadBillingConfig() BillingConfig {
	return BillingConfig{
		GracePeriod:         getEnvDuration("TOLLGATE_GRACE_PERIOD", 7*24*time.Hour),
		ProviderTimeout:     getEnvDuration("TOLLGATE_PROVIDER_TIMEOUT", 10*time.Second),
		StripeSecretKey:     getEnv("TOLLGATE_STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("TOLLGATE_STRIPE_WEBHOOK_SECRET", ""),
		StripeBaseURL:       getEnv("TOLLGATE_STRIPE_BASE_URL", ""),
		PayPalClientID:      getEnv("TOLLGATE_PAYPAL_CLIENT_ID", ""),
		PayPalClientSecret:  getEnv("TOLLGATE_PAYPAL_CLIENT_SECRET", ""),
		PayPalWebhookID:     getEnv("TOLLGATE_PAYPAL_WEBHOOK_ID", ""),
		PayPalBaseURL:       getEnv("TOLLGATE_PAYPAL_BASE_URL", "https://api-m.paypal.com"),
		PriceCatalog:        getEnv("TOLLGATE_PRICE_CATALOG", ""),
		SweepSchedule:       getEnv("TOLLGATE_SWEEP_SCHEDULE", "*/5 * * * *"),
		SweepInProcess:      getEnvBool("TOLLGATE_SWEEP_IN_PROCESS", false),
		SweepBatchSize:      getEnvInt("TOLLGATE_SWEEP_BATCH_SIZE", 500),
		SweepWorkers:        getEnvInt("TOLLGATE_SWEEP_WORKERS", 4),
		NotifyChannel:       getEnv("TOLLGATE_NOTIFY_CHANNEL", ""),
	}
}

// loadRateLimitConfig loads rate limiter configuration from environment
func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Backend:         strings.ToLower(getEnv("TOLLGATE_RATELIMIT_BACKEND", RateLimitBackendMemory)),
		Window:          getEnvDuration("TOLLGATE_RATELIMIT_WINDOW", time.Minute),
		Max:             getEnvInt("TOLLGATE_RATELIMIT_MAX", 10),
		Idle:            getEnvDuration("TOLLGATE_RATELIMIT_IDLE", 10*time.Minute),
		CompactInterval: getEnvDuration("TOLLGATE_RATELIMIT_COMPACT_INTERVAL", time.Minute),
		MaxKeys:         getEnvInt("TOLLGATE_RATELIMIT_MAX_KEYS", 100000),
		RedisPrefix:     getEnv("TOLLGATE_RATELIMIT_REDIS_PREFIX", "tollgate:ratelimit:"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TOLLGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOLLGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOLLGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOLLGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOLLGATE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("TOLLGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOLLGATE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Billing.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}
	if c.Billing.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}
	if c.Billing.StripeSecretKey != "" && c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required when a stripe key is set")
	}
	if c.Billing.PayPalEnabled() && c.Billing.PayPalWebhookID == "" {
		return fmt.Errorf("paypal webhook id is required when paypal credentials are set")
	}
	if _, err := cron.ParseStandard(c.Billing.SweepSchedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.Billing.SweepSchedule, err)
	}

	switch c.RateLimit.Backend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if !c.Storage.RedisEnabled() {
			return fmt.Errorf("redis URL is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("invalid rate limit backend: %s (must be memory or redis)", c.RateLimit.Backend)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.Max < 1 {
		return fmt.Errorf("rate limit max must be at least 1")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
