package billing

import (
	"context"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

// Store persists subscriptions and the billing fields of workspaces
type Store interface {
	// WithinWorkspaceTx runs fn in one transaction holding the workspace lock.
	// fn returning an error rolls back every write made through tx.
	WithinWorkspaceTx(ctx context.Context, workspaceID string, fn func(ctx context.Context, tx Tx) error) error

	// FindWorkspaceByExternalID returns the workspace owning a provider subscription
	// or ErrSubscriptionNotFound.
	FindWorkspaceByExternalID(ctx context.Context, provider Provider, externalID string) (string, error)

	// ListExpiredGrace returns workspaces whose subscription is in a grace status
	// with a deadline at or before now.
	ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Tx is the set of operations available inside a workspace transaction
type Tx interface {
	// Workspace returns the locked workspace or workspaces.ErrWorkspaceNotFound
	Workspace(ctx context.Context) (*workspaces.Workspace, error)

	// Subscription returns the workspace subscription, or nil when there is none
	Subscription(ctx context.Context) (*Subscription, error)

	// SaveSubscription inserts or replaces the workspace subscription
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// SaveWorkspaceBilling writes the plan and grace deadline of the workspace
	SaveWorkspaceBilling(ctx context.Context, plan plans.Plan, graceEndsAt *time.Time) error

	// MarkEventProcessed records a provider event id and reports whether it was new
	MarkEventProcessed(ctx context.Context, provider Provider, eventID string) (bool, error)
}
