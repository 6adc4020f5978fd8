package workspaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// maxPlanRaces bounds how often a consume is retried when the plan changes
// between reading the workspace and the conditional increment.
const maxPlanRaces = 3

// SweepTriggerQuota labels downgrades run ahead of a quota decision
const SweepTriggerQuota = "quota"

// Downgrader expires a lapsed grace period so the plan read next is current
type Downgrader interface {
	SweepWorkspace(ctx context.Context, workspaceID, trigger string) (bool, error)
}

// Guard is the durable, authoritative quota check for tenant-limited actions
type Guard struct {
	store      Store
	now        func() time.Time
	downgrader Downgrader
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithClock overrides the time source
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithMetrics records quota decisions
func WithMetrics(m *observability.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithDowngrader sweeps the workspace before every plan read
func WithDowngrader(d Downgrader) GuardOption {
	return func(g *Guard) { g.downgrader = d }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a quota guard over store
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		now:    time.Now,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) sweep(ctx context.Context, id string) error {
	if g.downgrader == nil {
		return nil
	}
	if _, err := g.downgrader.SweepWorkspace(ctx, id, SweepTriggerQuota); err != nil {
		return fmt.Errorf("failed to expire grace period: %w", err)
	}
	return nil
}

// currentWorkspace returns the workspace with its counter moved to the current month
func (g *Guard) currentWorkspace(ctx context.Context, id string) (*Workspace, string, error) {
	if err := g.sweep(ctx, id); err != nil {
		return nil, "", err
	}
	bucket := MonthBucket(g.now())
	ws, err := g.store.RollOverMonth(ctx, id, bucket)
	if err != nil {
		return nil, "", err
	}
	return ws, bucket, nil
}

// GenerationUsage returns the generation usage for the current month bucket
func (g *Guard) GenerationUsage(ctx context.Context, id string) (*Usage, error) {
	ws, bucket, err := g.currentWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Usage{
		WorkspaceID: id,
		Resource:    ResourceGenerations,
		Plan:        ws.Plan,
		Used:        ws.AIGenerationsUsed,
		Limit:       plans.LimitsFor(ws.Plan).MonthlyGenerations,
		MonthBucket: bucket,
	}, nil
}

// CheckGeneration reports whether one more generation is currently allowed.
// It is advisory; ConsumeGeneration is the authoritative operation.
func (g *Guard) CheckGeneration(ctx context.Context, id string) (*Usage, error) {
	u, err := g.GenerationUsage(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Used >= u.Limit {
		return u, g.denied(u)
	}
	return u, nil
}

// ConsumeGeneration atomically reserves one generation of the monthly budget.
// Callers release the reservation with ReleaseGeneration when the billable
// action fails.
func (g *Guard) ConsumeGeneration(ctx context.Context, id string) (*Usage, error) {
	if err := g.sweep(ctx, id); err != nil {
		return nil, err
	}
	bucket := MonthBucket(g.now())

	for attempt := 0; attempt < maxPlanRaces; attempt++ {
		ws, err := g.store.GetWorkspace(ctx, id)
		if err != nil {
			return nil, err
		}
		limit := plans.LimitsFor(ws.Plan).MonthlyGenerations

		used, ok, err := g.store.IncrementGenerations(ctx, id, bucket, ws.Plan, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to consume generation: %w", err)
		}
		if ok {
			g.metrics.RecordGenerationConsumed(string(ws.Plan))
			return &Usage{
				WorkspaceID: id,
				Resource:    ResourceGenerations,
				Plan:        ws.Plan,
				Used:        used,
				Limit:       limit,
				MonthBucket: bucket,
			}, nil
		}

		current, err := g.store.RollOverMonth(ctx, id, bucket)
		if err != nil {
			return nil, err
		}
		if current.Plan == ws.Plan && current.AIGenerationsUsed >= limit {
			return nil, g.denied(&Usage{
				WorkspaceID: id,
				Resource:    ResourceGenerations,
				Plan:        ws.Plan,
				Used:        current.AIGenerationsUsed,
				Limit:       limit,
				MonthBucket: bucket,
			})
		}
		g.logger.WithField("workspace_id", id).Debug("workspace changed during generation consume, retrying")
	}

	return nil, fmt.Errorf("failed to consume generation for %s: workspace changed concurrently", id)
}

// ReleaseGeneration returns a reserved generation to the current month budget
func (g *Guard) ReleaseGeneration(ctx context.Context, id string) error {
	if err := g.store.DecrementGenerations(ctx, id, MonthBucket(g.now())); err != nil {
		return fmt.Errorf("failed to release generation: %w", err)
	}
	return nil
}

// ResourceUsage returns the count-based usage of a resource
func (g *Guard) ResourceUsage(ctx context.Context, id string, res Resource) (*Usage, error) {
	if res == ResourceGenerations {
		return g.GenerationUsage(ctx, id)
	}
	if !res.Valid() {
		return nil, fmt.Errorf("unknown resource %q", res)
	}
	if err := g.sweep(ctx, id); err != nil {
		return nil, err
	}

	ws, err := g.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := g.store.CountResources(ctx, id, res)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", res, err)
	}
	return &Usage{
		WorkspaceID: id,
		Resource:    res,
		Plan:        ws.Plan,
		Used:        count,
		Limit:       res.LimitFor(plans.LimitsFor(ws.Plan)),
	}, nil
}

// CheckResource reports whether one more resource may be created. It is
// advisory; CreateResource is the authoritative operation.
func (g *Guard) CheckResource(ctx context.Context, id string, res Resource) (*Usage, error) {
	u, err := g.ResourceUsage(ctx, id, res)
	if err != nil {
		return nil, err
	}
	if u.Used >= u.Limit {
		return u, g.denied(u)
	}
	return u, nil
}

// CreateResource inserts rec only when the workspace is below its plan limit
func (g *Guard) CreateResource(ctx context.Context, res Resource, rec ResourceRecord) (*Usage, error) {
	if res != ResourceLocations && res != ResourceSeats {
		return nil, fmt.Errorf("resource %q is not count based", res)
	}
	if rec.WorkspaceID == "" || rec.ID == "" {
		return nil, errors.New("resource record requires workspace id and id")
	}
	if err := g.sweep(ctx, rec.WorkspaceID); err != nil {
		return nil, err
	}

	out, err := g.store.InsertResourceIfBelow(ctx, res, rec, func(p plans.Plan) int64 {
		return res.LimitFor(plans.LimitsFor(p))
	})
	if err != nil {
		return nil, err
	}

	u := &Usage{
		WorkspaceID: rec.WorkspaceID,
		Resource:    res,
		Plan:        out.Plan,
		Used:        out.Count,
		Limit:       out.Limit,
	}
	if !out.Inserted {
		return u, g.denied(u)
	}
	return u, nil
}

func (g *Guard) denied(u *Usage) error {
	g.metrics.RecordQuotaDenial(string(u.Resource), string(u.Plan))
	return &QuotaExceededError{
		Resource: u.Resource,
		Plan:     u.Plan,
		Current:  u.Used,
		Limit:    u.Limit,
	}
}
