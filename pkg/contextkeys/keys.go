// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that key
// usage is discoverable and typos cannot create silent mismatches.
//
//	ctx = contextkeys.WithWorkspaceID(ctx, "ws_123")
//	id := contextkeys.GetWorkspaceID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, error responses
	RequestIDKey Key = "request_id"

	// WorkspaceIDKey contains the tenant workspace ID string
	// Set by: middleware.TenantContext from trusted gateway headers
	// Used by: quota endpoints, rate limit keys, logger
	WorkspaceIDKey Key = "workspace_id"

	// ActorIDKey contains the acting user ID string
	// Set by: middleware.TenantContext
	// Used by: rate limit keys, logger
	ActorIDKey Key = "actor_id"

	// LoggerKey contains *observability.Logger
	LoggerKey Key = "logger"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithWorkspaceID adds the workspace ID to the context
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}

// WithActorID adds the actor ID to the context
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetWorkspaceID retrieves workspace ID from context
func GetWorkspaceID(ctx context.Context) string {
	if id, ok := ctx.Value(WorkspaceIDKey).(string); ok {
		return id
	}
	return ""
}

// GetActorID retrieves actor ID from context
func GetActorID(ctx context.Context) string {
	if id, ok := ctx.Value(ActorIDKey).(string); ok {
		return id
	}
	return ""
}
