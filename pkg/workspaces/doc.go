// Package workspaces owns the tenant billing fields of a workspace and guards
// every quota-limited action.
//
// # Overview
//
// A workspace carries its plan, the current month bucket, the AI generations used
// in that bucket and an optional grace period deadline. The Guard enforces the plan
// limits for two kinds of resources:
//
//   - the monthly AI generation budget (a counter scoped to a UTC month bucket)
//   - count based resources (locations and team seats)
//
// # Atomicity
//
// Checks that precede a write are never performed as a separate read. The Store
// exposes conditional primitives ("increment if below limit", "insert if count
// below limit") and a failed condition is the authoritative quota signal:
//
//	usage, err := guard.ConsumeGeneration(ctx, workspaceID)
//	if workspaces.IsQuotaExceeded(err) {
//		// surface the plan-aware message to the tenant
//	}
//	if err := callModel(ctx); err != nil {
//		guard.ReleaseGeneration(ctx, workspaceID)
//	}
//
// # Month Rollover
//
// A counter read under a stale month bucket is reset to zero and moved to the
// current bucket before it is compared with any limit.
//
// # Grace Expiry
//
// With WithDowngrader the Guard asks the billing controller to expire a lapsed
// grace period before it reads the plan, so limits never come from a plan the
// workspace has already lost.
package workspaces
