// Package webhooks ingests payment provider webhooks.
//
// # Overview
//
// Every delivery goes through the same pipeline:
//
//	verify     Adapter.Verify authenticates the delivery (400 on failure)
//	archive    the verified body is written to object storage, when configured
//	normalize  Adapter.Normalize produces a billing.Transition
//	apply      billing.Controller.Apply commits it for one workspace
//	ack        200 for every terminal decision, including nothing to do
//
// Unknown event types and unknown subscription references are acknowledged
// and logged at debug level. Provider API failures answer 502 so the provider
// retries the delivery.
//
// # Receipts
//
// The most recent deliveries are kept in a bounded ReceiptLog for operators.
// RegisterAdminRoutes mounts them on the health listener, never the public API:
//
//	GET /admin/webhooks/receipts?provider=stripe&limit=50
//	GET /admin/webhooks/stats?provider=paypal
//
// # Related Packages
//
//   - pkg/providers/stripe, pkg/providers/paypal: Adapter implementations
//   - pkg/billing: transition semantics
package webhooks
