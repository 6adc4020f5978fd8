package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// clearEnv unsets every TOLLGATE_ variable for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		if strings.HasPrefix(key, "TOLLGATE_") {
			t.Setenv(key, "")
		}
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_VAR", "custom")
	assert.Equal(t, "custom", getEnv("TOLLGATE_TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("TOLLGATE_TEST_VAR_NOT_SET", "default"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"uppercase", "TRUE", false, true},
		{"false", "false", true, false},
		{"garbage", "yes", true, false},
		{"unset", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TOLLGATE_TEST_BOOL", tt.envValue)
			assert.Equal(t, tt.want, getEnvBool("TOLLGATE_TEST_BOOL", tt.defaultValue))
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("TOLLGATE_TEST_INT", 7))

	t.Setenv("TOLLGATE_TEST_INT", "forty-two")
	assert.Equal(t, 7, getEnvInt("TOLLGATE_TEST_INT", 7))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TOLLGATE_TEST_DURATION", time.Second))

	t.Setenv("TOLLGATE_TEST_DURATION", "90")
	assert.Equal(t, time.Second, getEnvDuration("TOLLGATE_TEST_DURATION", time.Second))
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, storage.TypeMemory, cfg.Storage.Type)

	assert.Equal(t, 7*24*time.Hour, cfg.Billing.GracePeriod)
	assert.Equal(t, 10*time.Second, cfg.Billing.ProviderTimeout)
	assert.Equal(t, "*/5 * * * *", cfg.Billing.SweepSchedule)
	assert.False(t, cfg.Billing.StripeEnabled())
	assert.False(t, cfg.Billing.PayPalEnabled())

	assert.Equal(t, RateLimitBackendMemory, cfg.RateLimit.Backend)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 10, cfg.RateLimit.Max)
	assert.Equal(t, 100000, cfg.RateLimit.MaxKeys)

	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.False(t, cfg.Observability.OTelEnabled)
	assert.Equal(t, "tollgate", cfg.Observability.OTelServiceName)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOLLGATE_PORT", "8000")
	t.Setenv("TOLLGATE_STORAGE_TYPE", "postgres")
	t.Setenv("TOLLGATE_POSTGRES_URL", "postgres://localhost/tollgate")
	t.Setenv("TOLLGATE_POSTGRES_REPLICA_URLS", "postgres://replica/tollgate")
	t.Setenv("TOLLGATE_POSTGRES_MAX_CONNS", "40")
	t.Setenv("TOLLGATE_POSTGRES_MIGRATE", "false")
	t.Setenv("TOLLGATE_REDIS_URL", "redis://localhost:6379")
	t.Setenv("TOLLGATE_REDIS_DB", "0")
	t.Setenv("TOLLGATE_S3_BUCKET", "tollgate-webhooks")
	t.Setenv("TOLLGATE_S3_USE_PATH_STYLE", "true")
	t.Setenv("TOLLGATE_GRACE_PERIOD", "72h")
	t.Setenv("TOLLGATE_STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("TOLLGATE_STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("TOLLGATE_PAYPAL_CLIENT_ID", "client")
	t.Setenv("TOLLGATE_PAYPAL_CLIENT_SECRET", "secret")
	t.Setenv("TOLLGATE_PAYPAL_WEBHOOK_ID", "WH-1")
	t.Setenv("TOLLGATE_SWEEP_SCHEDULE", "@every 1m")
	t.Setenv("TOLLGATE_RATELIMIT_BACKEND", "REDIS")
	t.Setenv("TOLLGATE_RATELIMIT_WINDOW", "30s")
	t.Setenv("TOLLGATE_RATELIMIT_MAX", "5")
	t.Setenv("TOLLGATE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, storage.TypePostgres, cfg.Storage.Type)
	assert.Equal(t, "postgres://localhost/tollgate", cfg.Storage.PostgresURL)
	assert.Equal(t, "postgres://replica/tollgate", cfg.Storage.PostgresReplicaURLs)
	assert.Equal(t, 40, cfg.Storage.PostgresMaxConns)
	assert.False(t, cfg.Storage.PostgresMigrate)
	assert.True(t, cfg.Storage.RedisEnabled())
	assert.Equal(t, 0, cfg.Storage.RedisDB)
	assert.True(t, cfg.Storage.ArchiveEnabled())
	assert.True(t, cfg.Storage.S3UsePathStyle)

	assert.Equal(t, 72*time.Hour, cfg.Billing.GracePeriod)
	assert.True(t, cfg.Billing.StripeEnabled())
	assert.True(t, cfg.Billing.PayPalEnabled())
	assert.Equal(t, "@every 1m", cfg.Billing.SweepSchedule)

	assert.Equal(t, RateLimitBackendRedis, cfg.RateLimit.Backend)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.RateLimit.Max)

	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_InvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOLLGATE_STORAGE_TYPE", "postgres")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", HealthPort: "9090"},
		Storage: storage.DefaultConfig(),
		Billing: BillingConfig{
			GracePeriod:     7 * 24 * time.Hour,
			ProviderTimeout: 10 * time.Second,
			SweepSchedule:   "*/5 * * * *",
		},
		RateLimit: RateLimitConfig{
			Backend: RateLimitBackendMemory,
			Window:  time.Minute,
			Max:     10,
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port is required",
		},
		{
			name:    "same ports",
			mutate:  func(c *Config) { c.Server.HealthPort = "8080" },
			wantErr: "must be different",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Storage.Type = storage.TypePostgres },
			wantErr: "postgres URL is required",
		},
		{
			name:    "zero grace period",
			mutate:  func(c *Config) { c.Billing.GracePeriod = 0 },
			wantErr: "grace period must be positive",
		},
		{
			name:    "negative provider timeout",
			mutate:  func(c *Config) { c.Billing.ProviderTimeout = -time.Second },
			wantErr: "provider timeout must be positive",
		},
		{
			name:    "stripe key without webhook secret",
			mutate:  func(c *Config) { c.Billing.StripeSecretKey = "sk_test" },
			wantErr: "stripe webhook secret is required",
		},
		{
			name: "paypal credentials without webhook id",
			mutate: func(c *Config) {
				c.Billing.PayPalClientID = "id"
				c.Billing.PayPalClientSecret = "secret"
			},
			wantErr: "paypal webhook id is required",
		},
		{
			name:    "bad sweep schedule",
			mutate:  func(c *Config) { c.Billing.SweepSchedule = "every five minutes" },
			wantErr: "invalid sweep schedule",
		},
		{
			name:    "redis backend without redis",
			mutate:  func(c *Config) { c.RateLimit.Backend = RateLimitBackendRedis },
			wantErr: "redis URL is required",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.RateLimit.Backend = "memcached" },
			wantErr: "invalid rate limit backend",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.RateLimit.Window = 0 },
			wantErr: "rate limit window must be positive",
		},
		{
			name:    "zero max",
			mutate:  func(c *Config) { c.RateLimit.Max = 0 },
			wantErr: "rate limit max must be at least 1",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "tollgate"
			},
			wantErr: "OpenTelemetry endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
