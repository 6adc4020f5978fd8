// Package api implements the tenant governance HTTP API.
//
// # Overview
//
// The server exposes the billing read model, AI generation reservations and
// resource quota checks for workspaces, and mounts the payment provider
// webhook endpoints. Tenant identity comes from trusted gateway headers
// (X-Workspace-ID, X-Actor-ID); a path workspace that differs from the header
// is rejected.
//
// # Routes
//
//	POST   /v1/workspaces                                provision a FREE workspace
//	GET    /v1/plans                                     plan limits table
//	GET    /v1/workspaces/{workspace_id}/billing         billing state (sweeps expired grace)
//	GET    /v1/workspaces/{workspace_id}/usage           generation usage for the current month
//	POST   /v1/workspaces/{workspace_id}/subscriptions   register an initiated provider subscription
//	POST   /v1/workspaces/{workspace_id}/generations     rate-limited atomic reservation
//	DELETE /v1/workspaces/{workspace_id}/generations     release one reservation
//	GET    /v1/workspaces/{workspace_id}/quota/{resource}
//	POST   /v1/workspaces/{workspace_id}/quota/{resource} advisory check
//	POST   /v1/workspaces/{workspace_id}/locations       quota-guarded create
//	POST   /v1/workspaces/{workspace_id}/members         quota-guarded create
//	POST   /webhooks/stripe, /webhooks/paypal            provider webhooks
//
// Webhook receipt views span every tenant and are mounted on the health
// listener by cmd/tollgate, not here.
//
// Errors are written by httputil.WriteDomainError so that every domain error
// maps to the same status everywhere.
package api
