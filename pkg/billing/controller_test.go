package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage/memory"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []billing.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n billing.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) Types() []billing.NoticeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.NoticeType, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Type)
	}
	return out
}

type fixture struct {
	store      *memory.Store
	clock      *clock
	notifier   *recordingNotifier
	controller *billing.Controller
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		clock:    &clock{now: t0},
		notifier: &recordingNotifier{},
	}
	f.controller = billing.NewController(f.store,
		billing.WithClock(f.clock.Now),
		billing.WithNotifier(f.notifier),
	)
	f.store.PutWorkspace(&workspaces.Workspace{ID: "ws_1", Plan: plans.Free, MonthBucket: "2025-06"})
	return f
}

func (f *fixture) workspace(t *testing.T) *workspaces.Workspace {
	t.Helper()
	ws, err := f.store.GetWorkspace(context.Background(), "ws_1")
	require.NoError(t, err)
	return ws
}

func checkout(plan plans.Plan) billing.Transition {
	return billing.Transition{
		WorkspaceID: "ws_1",
		Provider:    billing.ProviderStripe,
		ExternalID:  "sub_1",
		Status:      billing.StatusActive,
		Plan:        plan,
		Kind:        billing.KindCheckout,
		EventID:     "evt_checkout",
		EventType:   "checkout.session.completed",
		OccurredAt:  t0.Add(-time.Minute),
	}
}

func TestApplyCheckoutActivatesPlan(t *testing.T) {
	f := newFixture(t)

	res, err := f.controller.Apply(context.Background(), checkout(plans.Pro))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, plans.Pro, res.Plan)

	ws := f.workspace(t)
	assert.Equal(t, plans.Pro, ws.Plan)
	assert.Nil(t, ws.GracePeriodEndsAt)

	sub := f.store.Subscription("ws_1")
	require.NotNil(t, sub)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, "sub_1", sub.ExternalID)
	assert.Equal(t, []billing.NoticeType{billing.NoticePlanChanged}, f.notifier.Types())
}

func TestApplyProjection(t *testing.T) {
	tests := []struct {
		status    billing.Status
		wantPlan  plans.Plan
		wantGrace bool
	}{
		{billing.StatusActive, plans.Agency, false},
		{billing.StatusTrialing, plans.Agency, false},
		{billing.StatusPastDue, plans.Pro, true},
		{billing.StatusUnpaid, plans.Pro, true},
		{billing.StatusCanceled, plans.Free, false},
		{billing.StatusIncomplete, plans.Free, false},
		{billing.StatusApprovalPending, plans.Free, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(t)
			_, err := f.controller.Apply(context.Background(), checkout(plans.Pro))
			require.NoError(t, err)

			_, err = f.controller.Apply(context.Background(), billing.Transition{
				Provider:   billing.ProviderStripe,
				ExternalID: "sub_1",
				Status:     tt.status,
				Plan:       plans.Agency,
				Kind:       billing.KindSubscription,
				EventID:    "evt_2",
				OccurredAt: t0,
			})
			require.NoError(t, err)

			ws := f.workspace(t)
			assert.Equal(t, tt.wantPlan, ws.Plan)
			sub := f.store.Subscription("ws_1")
			assert.Equal(t, tt.status, sub.Status)
			if tt.wantGrace {
				require.NotNil(t, ws.GracePeriodEndsAt)
				assert.True(t, ws.GracePeriodEndsAt.Equal(t0.Add(7*24*time.Hour)))
				require.NotNil(t, sub.GracePeriodEndsAt)
				assert.True(t, sub.GracePeriodEndsAt.Equal(*ws.GracePeriodEndsAt))
			} else {
				assert.Nil(t, ws.GracePeriodEndsAt)
				assert.Nil(t, sub.GracePeriodEndsAt)
			}
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)

	pastDue := billing.Transition{
		Provider:   billing.ProviderStripe,
		ExternalID: "sub_1",
		Status:     billing.StatusPastDue,
		Plan:       plans.Pro,
		Kind:       billing.KindSubscription,
		EventID:    "evt_past_due",
		OccurredAt: t0,
	}
	res, err := f.controller.Apply(ctx, pastDue)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	wsBefore, subBefore := f.workspace(t), f.store.Subscription("ws_1")
	noticesBefore := len(f.notifier.Types())

	f.clock.Advance(time.Hour)
	res, err = f.controller.Apply(ctx, pastDue)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)

	// same transition without an event id is still a no-op
	pastDue.EventID = ""
	res, err = f.controller.Apply(ctx, pastDue)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeUnchanged, res.Outcome)

	assert.Equal(t, wsBefore, f.workspace(t))
	assert.Equal(t, subBefore, f.store.Subscription("ws_1"))
	assert.Len(t, f.notifier.Types(), noticesBefore)
}

func TestApplyIgnoresStaleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)

	_, err = f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusCanceled,
		Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_cancel", OccurredAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	res, err := f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusActive,
		Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_old", OccurredAt: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeStale, res.Outcome)
	assert.Equal(t, plans.Free, f.workspace(t).Plan)
	assert.Equal(t, billing.StatusCanceled, f.store.Subscription("ws_1").Status)
}

func TestApplyNewerEventAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)

	res, err := f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusActive,
		Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_noop", OccurredAt: t0.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeUnchanged, res.Outcome)

	// older than the no-op update, so ignored
	res, err = f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusPastDue,
		KeepPlan: true, Kind: billing.KindPaymentFailed, EventID: "evt_failed", OccurredAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeStale, res.Outcome)
	assert.Nil(t, f.workspace(t).GracePeriodEndsAt)
}

func TestPaymentFailedKeepsPlanAndRestartsGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Agency))
	require.NoError(t, err)

	failed := billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusPastDue,
		KeepPlan: true, Kind: billing.KindPaymentFailed, EventID: "evt_inv_1", OccurredAt: t0,
	}
	_, err = f.controller.Apply(ctx, failed)
	require.NoError(t, err)
	first := *f.workspace(t).GracePeriodEndsAt
	assert.True(t, first.Equal(t0.Add(7*24*time.Hour)))
	assert.Equal(t, plans.Agency, f.store.Subscription("ws_1").Plan)
	assert.Equal(t, plans.Agency, f.workspace(t).Plan)

	f.clock.Advance(48 * time.Hour)
	failed.EventID = "evt_inv_2"
	failed.OccurredAt = t0.Add(48 * time.Hour)
	_, err = f.controller.Apply(ctx, failed)
	require.NoError(t, err)
	second := *f.workspace(t).GracePeriodEndsAt
	assert.True(t, second.Equal(t0.Add(48*time.Hour+7*24*time.Hour)))
	assert.Equal(t, []billing.NoticeType{
		billing.NoticePlanChanged, billing.NoticeGraceStarted, billing.NoticeGraceStarted,
	}, f.notifier.Types())
}

func TestApplyUnknownReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderPayPal, ExternalID: "I-UNKNOWN", Status: billing.StatusActive,
		Plan: plans.Pro, Kind: billing.KindSubscription, RequireExisting: true, EventID: "WH-1",
	})
	require.Error(t, err)
	assert.True(t, billing.IsUnknownEvent(err))

	_, err = f.controller.Apply(ctx, billing.Transition{
		WorkspaceID: "ws_missing", Provider: billing.ProviderStripe, ExternalID: "sub_9",
		Status: billing.StatusActive, Plan: plans.Pro, Kind: billing.KindCheckout,
	})
	assert.True(t, billing.IsUnknownEvent(err))

	assert.Nil(t, f.store.Subscription("ws_1"))
	assert.Equal(t, plans.Free, f.workspace(t).Plan)
	assert.Empty(t, f.notifier.Types())
}

func TestApplySupersededSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)

	upgrade := checkout(plans.Agency)
	upgrade.ExternalID = "sub_2"
	upgrade.EventID = "evt_checkout_2"
	_, err = f.controller.Apply(ctx, upgrade)
	require.NoError(t, err)
	assert.Equal(t, plans.Agency, f.workspace(t).Plan)

	// the old subscription is canceled at the provider after the switch
	res, err := f.controller.Apply(ctx, billing.Transition{
		WorkspaceID: "ws_1", Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusCanceled,
		Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_old_cancel", OccurredAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeSuperseded, res.Outcome)
	assert.Equal(t, plans.Agency, f.workspace(t).Plan)

	// lookups by the old id no longer resolve
	_, err = f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusCanceled,
		Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_old_cancel_2",
	})
	assert.True(t, billing.IsUnknownEvent(err))
}

func TestApplyValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		tr   billing.Transition
	}{
		{"missing external id", billing.Transition{Provider: billing.ProviderStripe, Status: billing.StatusActive, Plan: plans.Pro}},
		{"bad status", billing.Transition{Provider: billing.ProviderStripe, ExternalID: "s", Status: "open", Plan: plans.Pro}},
		{"bad provider", billing.Transition{Provider: "ADYEN", ExternalID: "s", Status: billing.StatusActive, Plan: plans.Pro}},
		{"bad plan", billing.Transition{Provider: billing.ProviderStripe, ExternalID: "s", Status: billing.StatusActive, Plan: "GOLD"}},
		{"checkout without workspace", billing.Transition{Provider: billing.ProviderStripe, ExternalID: "s", Status: billing.StatusActive, Plan: plans.Pro, Kind: billing.KindCheckout}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.controller.Apply(context.Background(), tt.tr)
			assert.True(t, billing.IsValidation(err))
		})
	}
}

func TestApplyConcurrentTransitionsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)

	statuses := []billing.Status{billing.StatusActive, billing.StatusPastDue, billing.StatusCanceled, billing.StatusUnpaid}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.controller.Apply(ctx, billing.Transition{
				Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: statuses[i%len(statuses)],
				Plan: plans.Pro, Kind: billing.KindSubscription, OccurredAt: t0.Add(time.Duration(i) * time.Second),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ws, sub := f.workspace(t), f.store.Subscription("ws_1")
	switch {
	case sub.Status.Entitled():
		assert.Equal(t, plans.Pro, ws.Plan)
		assert.Nil(t, ws.GracePeriodEndsAt)
	case sub.Status.InGrace():
		require.NotNil(t, ws.GracePeriodEndsAt)
		assert.True(t, ws.GracePeriodEndsAt.Equal(*sub.GracePeriodEndsAt))
	default:
		assert.Equal(t, plans.Free, ws.Plan)
		assert.Nil(t, ws.GracePeriodEndsAt)
	}
}

func TestSweepAfterGraceExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)
	_, err = f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusPastDue,
		Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_pd", OccurredAt: t0,
	})
	require.NoError(t, err)
	require.True(t, f.workspace(t).GracePeriodEndsAt.Equal(t0.Add(7*24*time.Hour)))

	f.clock.Advance(6 * 24 * time.Hour)
	n, err := f.controller.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, plans.Pro, f.workspace(t).Plan)

	f.clock.Advance(2 * 24 * time.Hour)
	n, err = f.controller.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ws, sub := f.workspace(t), f.store.Subscription("ws_1")
	assert.Equal(t, plans.Free, ws.Plan)
	assert.Nil(t, ws.GracePeriodEndsAt)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
	assert.Equal(t, plans.Free, sub.Plan)
	assert.Nil(t, sub.GracePeriodEndsAt)

	n, err = f.controller.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, ws, f.workspace(t))
	assert.Equal(t, sub, f.store.Subscription("ws_1"))
	assert.Equal(t, billing.NoticeDowngraded, f.notifier.Types()[len(f.notifier.Types())-1])
}

func TestBillingStateSweepsOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)
	_, err = f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusUnpaid,
		Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_unpaid", OccurredAt: t0,
	})
	require.NoError(t, err)

	state, err := f.controller.BillingState(ctx, "ws_1")
	require.NoError(t, err)
	assert.True(t, state.InGracePeriod)
	assert.Equal(t, plans.Pro, state.Plan)
	assert.Equal(t, billing.StatusUnpaid, state.Status)

	f.clock.Advance(8 * 24 * time.Hour)
	state, err = f.controller.BillingState(ctx, "ws_1")
	require.NoError(t, err)
	assert.False(t, state.InGracePeriod)
	assert.Equal(t, plans.Free, state.Plan)
	assert.Equal(t, billing.StatusCanceled, state.Status)
	assert.Equal(t, int64(50), state.Limits.MonthlyGenerations)
}

func TestBillingStateUnknownWorkspace(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.BillingState(context.Background(), "nope")
	assert.ErrorIs(t, err, workspaces.ErrWorkspaceNotFound)
}

func TestSweeperRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.controller.Apply(ctx, checkout(plans.Pro))
	require.NoError(t, err)
	_, err = f.controller.Apply(ctx, billing.Transition{
		Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusPastDue,
		KeepPlan: true, Kind: billing.KindPaymentFailed, EventID: "evt_f", OccurredAt: t0,
	})
	require.NoError(t, err)

	sweeper, err := billing.NewSweeper(f.controller, "", nil)
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = billing.NewSweeper(f.controller, "not a schedule", nil)
	assert.Error(t, err)
}

func TestRegisterPending(t *testing.T) {
	ctx := context.Background()

	t.Run("pending subscription resolves later events", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.controller.RegisterPending(ctx, "ws_1", billing.ProviderPayPal, "I-1", plans.Agency)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, res.Outcome)
		assert.Equal(t, plans.Free, f.workspace(t).Plan)

		owner, err := f.store.FindWorkspaceByExternalID(ctx, billing.ProviderPayPal, "I-1")
		require.NoError(t, err)
		assert.Equal(t, "ws_1", owner)

		res, err = f.controller.Apply(ctx, billing.Transition{
			Provider: billing.ProviderPayPal, ExternalID: "I-1", Status: billing.StatusActive,
			Plan: plans.Agency, Kind: billing.KindSubscription, RequireExisting: true,
			EventID: "WH-1", OccurredAt: t0,
		})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, res.Outcome)
		assert.Equal(t, plans.Agency, f.workspace(t).Plan)
	})

	t.Run("repeat registration does not regress an active subscription", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Apply(ctx, checkout(plans.Pro))
		require.NoError(t, err)

		res, err := f.controller.RegisterPending(ctx, "ws_1", billing.ProviderStripe, "sub_1", plans.Pro)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeUnchanged, res.Outcome)
		assert.Equal(t, billing.StatusActive, f.store.Subscription("ws_1").Status)
		assert.Equal(t, plans.Pro, f.workspace(t).Plan)
	})

	t.Run("live subscription is not replaced", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Apply(ctx, checkout(plans.Pro))
		require.NoError(t, err)

		_, err = f.controller.RegisterPending(ctx, "ws_1", billing.ProviderPayPal, "I-2", plans.Agency)
		assert.ErrorIs(t, err, workspaces.ErrAlreadyExists)
		assert.Equal(t, "sub_1", f.store.Subscription("ws_1").ExternalID)
	})

	t.Run("canceled subscription is replaced", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Apply(ctx, checkout(plans.Pro))
		require.NoError(t, err)
		_, err = f.controller.Apply(ctx, billing.Transition{
			Provider: billing.ProviderStripe, ExternalID: "sub_1", Status: billing.StatusCanceled,
			Plan: plans.Pro, Kind: billing.KindSubscription, EventID: "evt_del", OccurredAt: t0,
		})
		require.NoError(t, err)

		res, err := f.controller.RegisterPending(ctx, "ws_1", billing.ProviderPayPal, "I-3", plans.Pro)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, res.Outcome)
		assert.Equal(t, billing.ProviderPayPal, f.store.Subscription("ws_1").Provider)
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.RegisterPending(ctx, "ws_1", billing.ProviderPayPal, "I-1", plans.Free)
		assert.True(t, billing.IsValidation(err))
		_, err = f.controller.RegisterPending(ctx, "ws_1", billing.ProviderPayPal, "", plans.Pro)
		assert.True(t, billing.IsValidation(err))
		_, err = f.controller.RegisterPending(ctx, "ws_missing", billing.ProviderPayPal, "I-1", plans.Pro)
		assert.ErrorIs(t, err, workspaces.ErrWorkspaceNotFound)
	})
}
