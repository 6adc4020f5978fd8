// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	TOLLGATE_HOST="0.0.0.0"
//	TOLLGATE_PORT="8080"
//	TOLLGATE_HEALTH_PORT="9090"
//	TOLLGATE_READ_TIMEOUT="15s"
//	TOLLGATE_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	TOLLGATE_STORAGE_TYPE="postgres"  # memory, postgres
//	TOLLGATE_POSTGRES_URL="postgres://localhost/tollgate"
//	TOLLGATE_POSTGRES_REPLICA_URLS="postgres://replica1/tollgate,postgres://replica2/tollgate"
//	TOLLGATE_POSTGRES_MAX_CONNS="20"
//	TOLLGATE_REDIS_URL="redis://localhost:6379"
//	TOLLGATE_S3_BUCKET="tollgate-webhooks"  # optional raw webhook archive
//
// Billing settings:
//
//	TOLLGATE_GRACE_PERIOD="168h"
//	TOLLGATE_PROVIDER_TIMEOUT="10s"
//	TOLLGATE_STRIPE_SECRET_KEY="sk_live_..."
//	TOLLGATE_STRIPE_WEBHOOK_SECRET="whsec_..."
//	TOLLGATE_PAYPAL_CLIENT_ID="..."
//	TOLLGATE_PAYPAL_CLIENT_SECRET="..."
//	TOLLGATE_PAYPAL_WEBHOOK_ID="..."
//	TOLLGATE_PRICE_CATALOG="/etc/tollgate/prices.yaml"
//	TOLLGATE_SWEEP_SCHEDULE="*/5 * * * *"
//
// Rate limit settings:
//
//	TOLLGATE_RATELIMIT_BACKEND="redis"  # memory, redis
//	TOLLGATE_RATELIMIT_WINDOW="1m"
//	TOLLGATE_RATELIMIT_MAX="10"
//	TOLLGATE_RATELIMIT_IDLE="10m"
//	TOLLGATE_RATELIMIT_COMPACT_INTERVAL="1m"
//	TOLLGATE_RATELIMIT_MAX_KEYS="100000"
//
// Observability settings:
//
//	TOLLGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TOLLGATE_METRICS_ENABLED="true"
//	TOLLGATE_OTEL_ENABLED="true"
//	TOLLGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Storage: %s\n", cfg.Storage.Type)
//	fmt.Printf("Grace period: %s\n", cfg.Billing.GracePeriod)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
