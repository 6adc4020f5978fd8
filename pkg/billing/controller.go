package billing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

var tracer = otel.Tracer("tollgate/billing")

const (
	// DefaultGracePeriod is how long a workspace keeps its plan after a payment failure
	DefaultGracePeriod = 7 * 24 * time.Hour

	defaultSweepBatch   = 200
	defaultSweepWorkers = 4
)

// Sweep triggers, used as metric labels
const (
	TriggerRead  = "read"
	TriggerTimer = "timer"
)

// Controller applies canonical transitions and runs the downgrade sweep
type Controller struct {
	store        Store
	now          func() time.Time
	gracePeriod  time.Duration
	notifier     Notifier
	logger       *observability.Logger
	metrics      *observability.Metrics
	sweepBatch   int
	sweepWorkers int
}

// Option configures a Controller
type Option func(*Controller)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithGracePeriod sets the grace period length
func WithGracePeriod(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.gracePeriod = d
		}
	}
}

// WithNotifier sets where notices are delivered
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records transitions and downgrades
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSweepConcurrency sets the batch size and worker count of SweepExpired
func WithSweepConcurrency(batch, workers int) Option {
	return func(c *Controller) {
		if batch > 0 {
			c.sweepBatch = batch
		}
		if workers > 0 {
			c.sweepWorkers = workers
		}
	}
}

// NewController creates a controller over store
func NewController(store Store, opts ...Option) *Controller {
	c := &Controller{
		store:        store,
		now:          time.Now,
		gracePeriod:  DefaultGracePeriod,
		logger:       observability.NopLogger(),
		sweepBatch:   defaultSweepBatch,
		sweepWorkers: defaultSweepWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = NewLogNotifier(c.logger)
	}
	return c
}

// GracePeriod returns the configured grace period length
func (c *Controller) GracePeriod() time.Duration {
	return c.gracePeriod
}

// Apply applies a transition as a single transaction on the owning workspace.
// An unknown workspace or subscription reference yields an *UnknownEventError
// and no writes.
func (c *Controller) Apply(ctx context.Context, t Transition) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Controller.Apply",
		trace.WithAttributes(
			attribute.String("billing.provider", t.Provider.Label()),
			attribute.String("billing.event_id", t.EventID),
			attribute.String("billing.status", string(t.Status)),
		),
	)
	defer span.End()

	if err := t.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid transition")
		return nil, err
	}

	workspaceID := t.WorkspaceID
	if workspaceID == "" {
		id, err := c.store.FindWorkspaceByExternalID(ctx, t.Provider, t.ExternalID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, &UnknownEventError{Provider: t.Provider, EventType: t.EventType, Reference: "subscription " + t.ExternalID}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to resolve workspace")
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
		workspaceID = id
	}
	span.SetAttributes(attribute.String("workspace.id", workspaceID))

	var (
		result   *Result
		fromStat Status
	)
	err := c.store.WithinWorkspaceTx(ctx, workspaceID, func(ctx context.Context, tx Tx) error {
		r, from, err := c.applyInTx(ctx, tx, workspaceID, t)
		result, fromStat = r, from
		return err
	})
	if err != nil {
		if errors.Is(err, workspaces.ErrWorkspaceNotFound) {
			return nil, &UnknownEventError{Provider: t.Provider, EventType: t.EventType, Reference: "workspace " + workspaceID}
		}
		if IsUnknownEvent(err) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply transition")
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}

	span.SetAttributes(attribute.String("billing.outcome", string(result.Outcome)))
	if result.Outcome == OutcomeApplied {
		c.metrics.RecordTransition(t.Provider.Label(), string(fromStat), string(t.Status))
		c.dispatch(ctx, result.Notices)
	}
	return result, nil
}

// RegisterPending records a subscription the workspace has initiated with a
// provider but that is not active yet. Provider events for externalID then
// resolve to the workspace; until activation the workspace stays on FREE.
func (c *Controller) RegisterPending(ctx context.Context, workspaceID string, provider Provider, externalID string, plan plans.Plan) (*Result, error) {
	if workspaceID == "" {
		return nil, &ValidationError{Field: "workspace_id", Reason: "required"}
	}
	if plan == plans.Free {
		return nil, &ValidationError{Field: "plan", Reason: "a provider subscription needs a paid plan"}
	}
	res, err := c.Apply(ctx, Transition{
		WorkspaceID: workspaceID,
		Provider:    provider,
		ExternalID:  externalID,
		Status:      StatusApprovalPending,
		Plan:        plan,
		Kind:        KindCheckout,
		Initiation:  true,
		EventType:   "subscription.initiated",
	})
	if IsUnknownEvent(err) {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, workspaces.ErrWorkspaceNotFound)
	}
	return res, err
}

func (c *Controller) applyInTx(ctx context.Context, tx Tx, workspaceID string, t Transition) (*Result, Status, error) {
	if t.EventID != "" {
		fresh, err := tx.MarkEventProcessed(ctx, t.Provider, t.EventID)
		if err != nil {
			return nil, "", err
		}
		if !fresh {
			return &Result{Outcome: OutcomeDuplicate, WorkspaceID: workspaceID}, "", nil
		}
	}

	ws, err := tx.Workspace(ctx)
	if err != nil {
		return nil, "", err
	}
	current, err := tx.Subscription(ctx)
	if err != nil {
		return nil, "", err
	}

	unchanged := func(o Outcome) (*Result, Status, error) {
		return &Result{Outcome: o, WorkspaceID: workspaceID, Subscription: current, Plan: ws.Plan}, "", nil
	}

	if current == nil {
		if t.RequireExisting || t.Kind == KindPaymentFailed {
			return nil, "", &UnknownEventError{Provider: t.Provider, EventType: t.EventType, Reference: "subscription " + t.ExternalID}
		}
	} else {
		sameSubscription := current.Provider == t.Provider && current.ExternalID == t.ExternalID
		if !sameSubscription && t.Kind != KindCheckout {
			return unchanged(OutcomeSuperseded)
		}
		if t.Initiation {
			if sameSubscription {
				return unchanged(OutcomeUnchanged)
			}
			if current.Status.Entitled() || current.Status.InGrace() {
				return nil, "", fmt.Errorf("workspace %s has a live %s subscription %s: %w",
					workspaceID, current.Provider.Label(), current.ExternalID, workspaces.ErrAlreadyExists)
			}
		}
		if sameSubscription && current.LastEventAt != nil && !t.OccurredAt.IsZero() &&
			t.OccurredAt.Before(*current.LastEventAt) {
			return unchanged(OutcomeStale)
		}
	}

	now := c.now().UTC()
	next := c.project(current, ws, t, workspaceID, now)

	if current != nil && equivalent(current, next) {
		newer := !t.OccurredAt.IsZero() && (current.LastEventAt == nil || t.OccurredAt.After(*current.LastEventAt))
		if !newer {
			return unchanged(OutcomeUnchanged)
		}
		// A newer event in a grace status restarts the timer below. Otherwise
		// only the ordering watermark moves.
		if !current.Status.InGrace() {
			bumped := *current
			bumped.LastEventAt = next.LastEventAt
			bumped.LastEventID = next.LastEventID
			if err := tx.SaveSubscription(ctx, &bumped); err != nil {
				return nil, "", err
			}
			current = &bumped
			return unchanged(OutcomeUnchanged)
		}
	}

	nextPlan := ws.Plan
	if next.Status.Entitled() {
		nextPlan = next.Plan
	} else if !next.Status.InGrace() {
		nextPlan = plans.Free
	}

	if err := tx.SaveSubscription(ctx, next); err != nil {
		return nil, "", err
	}
	if err := tx.SaveWorkspaceBilling(ctx, nextPlan, next.GracePeriodEndsAt); err != nil {
		return nil, "", err
	}

	var from Status
	if current != nil {
		from = current.Status
	}

	var notices []Notice
	if next.Status.InGrace() && (current == nil || !current.Status.InGrace() || !timeEqual(current.GracePeriodEndsAt, next.GracePeriodEndsAt)) {
		notices = append(notices, Notice{
			Type:              NoticeGraceStarted,
			WorkspaceID:       workspaceID,
			Provider:          t.Provider,
			Status:            next.Status,
			FromPlan:          ws.Plan,
			ToPlan:            nextPlan,
			GracePeriodEndsAt: next.GracePeriodEndsAt,
			EventID:           t.EventID,
			At:                now,
		})
	}
	if nextPlan != ws.Plan {
		notices = append(notices, Notice{
			Type:        NoticePlanChanged,
			WorkspaceID: workspaceID,
			Provider:    t.Provider,
			Status:      next.Status,
			FromPlan:    ws.Plan,
			ToPlan:      nextPlan,
			EventID:     t.EventID,
			At:          now,
		})
	}

	return &Result{
		Outcome:      OutcomeApplied,
		WorkspaceID:  workspaceID,
		Subscription: next,
		Plan:         nextPlan,
		Notices:      notices,
	}, from, nil
}

// project builds the subscription that results from applying t on current
func (c *Controller) project(current *Subscription, ws *workspaces.Workspace, t Transition, workspaceID string, now time.Time) *Subscription {
	next := &Subscription{
		WorkspaceID: workspaceID,
		Provider:    t.Provider,
		ExternalID:  t.ExternalID,
		Status:      t.Status,
		Plan:        t.Plan,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastEventID: t.EventID,
	}

	replacing := current != nil && (current.Provider != t.Provider || current.ExternalID != t.ExternalID)
	if current != nil {
		next.CreatedAt = current.CreatedAt
		if !replacing {
			next.CurrentPeriodEnd = current.CurrentPeriodEnd
			next.Metadata = current.Metadata
			next.LastEventAt = current.LastEventAt
			if next.LastEventID == "" {
				next.LastEventID = current.LastEventID
			}
		}
	}

	if t.KeepPlan {
		switch {
		case current != nil && !replacing:
			next.Plan = current.Plan
		default:
			next.Plan = ws.Plan
		}
	}
	if t.CurrentPeriodEnd != nil {
		end := t.CurrentPeriodEnd.UTC()
		next.CurrentPeriodEnd = &end
	}
	if t.Metadata != nil {
		next.Metadata = t.Metadata
	}
	if !t.OccurredAt.IsZero() {
		at := t.OccurredAt.UTC()
		next.LastEventAt = &at
	}

	if next.Status.InGrace() {
		deadline := now.Add(c.gracePeriod)
		next.GracePeriodEndsAt = &deadline
	}
	return next
}

// equivalent reports whether applying next would leave the stored state as is
func equivalent(current, next *Subscription) bool {
	return current.Provider == next.Provider &&
		current.ExternalID == next.ExternalID &&
		current.Status == next.Status &&
		current.Plan == next.Plan &&
		timeEqual(current.CurrentPeriodEnd, next.CurrentPeriodEnd) &&
		reflect.DeepEqual(normalizeMetadata(current.Metadata), normalizeMetadata(next.Metadata))
}

func normalizeMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// SweepWorkspace downgrades the workspace when its grace period has expired.
// It reports whether a downgrade happened.
func (c *Controller) SweepWorkspace(ctx context.Context, workspaceID, trigger string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Controller.SweepWorkspace",
		trace.WithAttributes(
			attribute.String("workspace.id", workspaceID),
			attribute.String("billing.trigger", trigger),
		),
	)
	defer span.End()

	var notice *Notice
	err := c.store.WithinWorkspaceTx(ctx, workspaceID, func(ctx context.Context, tx Tx) error {
		notice = nil
		ws, err := tx.Workspace(ctx)
		if err != nil {
			return err
		}
		sub, err := tx.Subscription(ctx)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		if sub == nil || !sub.Status.InGrace() || sub.GracePeriodEndsAt == nil || sub.GracePeriodEndsAt.After(now) {
			return nil
		}

		sub.Status = StatusCanceled
		sub.Plan = plans.Free
		sub.GracePeriodEndsAt = nil
		sub.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.SaveWorkspaceBilling(ctx, plans.Free, nil); err != nil {
			return err
		}
		notice = &Notice{
			Type:        NoticeDowngraded,
			WorkspaceID: workspaceID,
			Provider:    sub.Provider,
			Status:      StatusCanceled,
			FromPlan:    ws.Plan,
			ToPlan:      plans.Free,
			At:          now,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		return false, fmt.Errorf("failed to sweep workspace %s: %w", workspaceID, err)
	}
	if notice == nil {
		return false, nil
	}

	c.metrics.RecordDowngrades(trigger, 1)
	c.logger.WithFields(map[string]interface{}{
		"workspace_id": workspaceID,
		"trigger":      trigger,
		"from_plan":    string(notice.FromPlan),
	}).Info("grace period expired, workspace downgraded")
	c.dispatch(ctx, []Notice{*notice})
	return true, nil
}

// SweepExpired downgrades every workspace whose grace period has expired and
// returns how many were downgraded.
func (c *Controller) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Controller.SweepExpired")
	defer span.End()

	var (
		total int64
		errs  []error
	)
	for {
		ids, err := c.store.ListExpiredGrace(ctx, c.now().UTC(), c.sweepBatch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list expired grace periods")
			return int(total), fmt.Errorf("failed to list expired grace periods: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		var swept int64
		batchErrs := async.Batch(ctx, ids, c.sweepWorkers, "grace sweep", 30*time.Second,
			func(ctx context.Context, id string) error {
				done, err := c.SweepWorkspace(ctx, id, TriggerTimer)
				if done {
					atomic.AddInt64(&swept, 1)
				}
				return err
			})
		total += swept
		errs = append(errs, batchErrs...)

		if len(ids) < c.sweepBatch || swept == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int64("billing.downgraded", total))
	return int(total), errors.Join(errs...)
}

// BillingState sweeps the workspace and returns its billing read model
func (c *Controller) BillingState(ctx context.Context, workspaceID string) (*State, error) {
	if _, err := c.SweepWorkspace(ctx, workspaceID, TriggerRead); err != nil {
		return nil, err
	}

	var state *State
	err := c.store.WithinWorkspaceTx(ctx, workspaceID, func(ctx context.Context, tx Tx) error {
		ws, err := tx.Workspace(ctx)
		if err != nil {
			return err
		}
		sub, err := tx.Subscription(ctx)
		if err != nil {
			return err
		}
		state = &State{
			WorkspaceID:       workspaceID,
			Plan:              ws.Plan,
			Limits:            plans.LimitsFor(ws.Plan),
			GracePeriodEndsAt: ws.GracePeriodEndsAt,
			InGracePeriod:     ws.GracePeriodEndsAt != nil,
		}
		if sub != nil {
			state.Provider = sub.Provider
			state.ExternalID = sub.ExternalID
			state.Status = sub.Status
			state.CurrentPeriodEnd = sub.CurrentPeriodEnd
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Controller) dispatch(ctx context.Context, notices []Notice) {
	for _, n := range notices {
		c.notify(ctx, n)
	}
}

// notify delivers one notice; the state change is already committed so
// delivery failures and panics are logged only
func (c *Controller) notify(ctx context.Context, n Notice) {
	defer observability.RecoverPanic(c.logger, "notify "+string(n.Type))
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.WithError(err).WithField("workspace_id", n.WorkspaceID).
			Warnf("failed to deliver %s notice", n.Type)
	}
}
