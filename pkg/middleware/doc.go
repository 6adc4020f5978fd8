// Package middleware provides HTTP middleware for tenant context, rate limiting
// and quota enforcement.
//
// # Overview
//
// Authentication happens upstream. The gateway forwards the tenant in trusted
// headers, which this package turns into request context:
//
//	X-Workspace-ID  tenant (workspace) id
//	X-Actor-ID      user or API key acting inside the workspace
//	X-Request-ID    propagated or generated request id
//
// # Middleware Components
//
// RequestID: request id propagation
//
//	router.Use(middleware.RequestID)
//
// TenantContext: tenant headers, checked against the {workspace_id} path variable
//
//	sub.Use(middleware.TenantContext("workspace_id"))
//
// RateLimitMiddleware: sliding window per (tenant, actor, operation)
//
//	rl := middleware.NewRateLimitMiddleware(limiter, logger, metrics)
//	sub.Handle("/generations", rl.For(policy)(handler))
//
// EnforceResourceQuota: early advisory quota rejection
//
//	sub.Handle("/locations", middleware.EnforceResourceQuota(guard, workspaces.ResourceLocations)(handler))
//
// # Ordering
//
// TenantContext must run before the rate limiter and quota middleware; without
// tenant context the limiter falls back to the client IP and quota
// enforcement rejects the request.
//
// # Related Packages
//
//   - pkg/ratelimit: sliding window limiter
//   - pkg/workspaces: Quota Guard
package middleware
