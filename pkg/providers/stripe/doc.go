// Package stripe adapts Stripe webhook deliveries to canonical billing transitions.
//
// # Events
//
//	checkout.session.completed     workspace from session metadata, plan and period
//	                               end from a live subscription fetch
//	customer.subscription.updated  status through the status table
//	customer.subscription.deleted  status through the status table
//	invoice.payment_failed         PAST_DUE only, plan untouched
//
// Every other event type is acknowledged without action.
//
// # Status Table
//
//	active    ACTIVE
//	trialing  TRIALING
//	past_due  PAST_DUE
//	canceled  CANCELED
//	incomplete INCOMPLETE
//	unpaid    UNPAID
//	other     INCOMPLETE
//
// Price ids resolve to plans through a plans.Catalog; unknown prices map to FREE.
package stripe
