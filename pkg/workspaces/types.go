package workspaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

var (
	// ErrWorkspaceNotFound is returned when a workspace does not exist
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrAlreadyExists is returned when a workspace or resource id is taken
	ErrAlreadyExists = errors.New("already exists")
)

// Resource names a quota-limited resource
type Resource string

const (
	ResourceGenerations Resource = "ai_generations"
	ResourceLocations   Resource = "locations"
	ResourceSeats       Resource = "seats"
)

// Valid reports whether r is a known resource
func (r Resource) Valid() bool {
	switch r {
	case ResourceGenerations, ResourceLocations, ResourceSeats:
		return true
	}
	return false
}

// LimitFor returns the limit of a resource under the given plan limits
func (r Resource) LimitFor(l plans.Limits) int64 {
	switch r {
	case ResourceGenerations:
		return l.MonthlyGenerations
	case ResourceLocations:
		return l.MaxLocations
	case ResourceSeats:
		return l.MaxUsers
	}
	return 0
}

func (r Resource) label() string {
	switch r {
	case ResourceGenerations:
		return "monthly AI generation"
	case ResourceLocations:
		return "location"
	case ResourceSeats:
		return "team seat"
	}
	return string(r)
}

// Workspace is the tenant root
type Workspace struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Plan              plans.Plan `json:"plan"`
	MonthBucket       string     `json:"month_bucket"`
	AIGenerationsUsed int64      `json:"ai_generations_used"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ResourceRecord is a location or seat row created under the quota guard
type ResourceRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
}

// ResourceOutcome reports the result of a conditional insert
type ResourceOutcome struct {
	Plan     plans.Plan
	Count    int64
	Limit    int64
	Inserted bool
}

// Usage describes the consumption of a resource
type Usage struct {
	WorkspaceID string     `json:"workspace_id"`
	Resource    Resource   `json:"resource"`
	Plan        plans.Plan `json:"plan"`
	Used        int64      `json:"used"`
	Limit       int64      `json:"limit"`
	MonthBucket string     `json:"month_bucket,omitempty"`
}

// Remaining returns the capacity left
func (u *Usage) Remaining() int64 {
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// QuotaExceededError represents a quota exceeded error
type QuotaExceededError struct {
	Resource Resource
	Plan     plans.Plan
	Current  int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	if e.Resource == ResourceGenerations {
		return fmt.Sprintf("%s limit reached: the %s plan includes %d generations per month (%d used)",
			e.Resource.label(), e.Plan, e.Limit, e.Current)
	}
	return fmt.Sprintf("%s limit reached: the %s plan includes %d (%d in use)",
		e.Resource.label(), e.Plan, e.Limit, e.Current)
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// MonthBucket returns the UTC calendar month key ("YYYY-MM") for t
func MonthBucket(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Store is the persistence contract for workspace usage. Every method that
// mutates a counter must do so in a single atomic conditional operation.
type Store interface {
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)

	// RollOverMonth resets the counter when the stored bucket differs from
	// bucket and returns the workspace as stored afterwards.
	RollOverMonth(ctx context.Context, id, bucket string) (*Workspace, error)

	// IncrementGenerations adds one generation when the workspace is still on
	// plan and its usage in bucket is below limit. A stale bucket counts as zero.
	// It returns the new counter and whether the increment happened.
	IncrementGenerations(ctx context.Context, id, bucket string, plan plans.Plan, limit int64) (int64, bool, error)

	// DecrementGenerations removes one generation from bucket, never below zero.
	DecrementGenerations(ctx context.Context, id, bucket string) error

	CountResources(ctx context.Context, id string, res Resource) (int64, error)

	// InsertResourceIfBelow inserts rec while holding the workspace lock when the
	// current count is below limit(plan).
	InsertResourceIfBelow(ctx context.Context, res Resource, rec ResourceRecord, limit func(plans.Plan) int64) (*ResourceOutcome, error)
}
