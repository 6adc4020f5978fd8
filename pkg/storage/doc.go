// Package storage holds the storage configuration shared by the tollgate
// backends and the constructors for the external clients they depend on.
//
// # Backends
//
// Two implementations of the billing and workspace stores exist:
//
//   - memory: process-local, used for development and tests (see storage/memory)
//   - postgres: the production store (see storage/postgres)
//
// Both honour the same contract: every quota counter change is a single
// conditional write, and subscription transitions run inside a transaction
// that holds the workspace lock.
//
// # Clients
//
// NewRedisClient builds the go-redis client used for shared rate limit
// windows and billing notifications. NewS3Client builds the S3 client used to
// archive raw webhook payloads. Both are optional and enabled by configuration:
//
//	cfg := storage.DefaultConfig()
//	cfg.RedisURL = "redis://localhost:6379/0"
//	client, err := storage.NewRedisClient(cfg)
package storage
