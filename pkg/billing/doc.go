// Package billing reconciles payment provider events into the canonical
// per-workspace subscription and drives the grace-period downgrade process.
//
// # Overview
//
// Provider adapters (pkg/providers/stripe, pkg/providers/paypal) normalize raw
// webhook bodies into a Transition. The Controller is the single entry point that
// applies a Transition: it runs inside one transaction per workspace, holding the
// workspace row lock, so two deliveries for the same workspace can never
// interleave into a half applied state.
//
// # State Projection
//
// The subscription status decides the workspace plan:
//
//	ACTIVE, TRIALING                      plan = subscription plan, no grace period
//	PAST_DUE, UNPAID                      plan unchanged, grace period = now + grace length
//	CANCELED, INCOMPLETE, APPROVAL_PENDING plan = FREE, no grace period
//
// # Event Precedence
//
// Each transition carries the provider event id and the time the provider created
// the event. Already processed event ids are no-ops. A transition older than the
// last applied event for the same subscription is ignored. A transition that would
// not change the stored state is a no-op and does not restart the grace timer.
//
// # Downgrade Sweep
//
// SweepWorkspace and SweepExpired finalize expired grace periods: the workspace is
// moved to FREE and the subscription to CANCELED. Sweeping is idempotent. It runs
// opportunistically whenever billing state is read and on a cron schedule through
// the Sweeper.
//
//	controller := billing.NewController(store, billing.WithGracePeriod(7*24*time.Hour))
//	result, err := controller.Apply(ctx, transition)
//	state, err := controller.BillingState(ctx, workspaceID)
package billing
