package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/webhooks"
)

const testSecret = "whsec_test"

type fakeFetcher struct {
	subs  map[string]*stripeapi.Subscription
	err   error
	calls int
}

func (f *fakeFetcher) GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, &billing.ExternalProviderError{Provider: billing.ProviderStripe, Op: "get", Err: errors.New("no such subscription")}
	}
	return sub, nil
}

func testCatalog() *plans.Catalog {
	c := plans.NewCatalog()
	c.Register(plans.SourceStripe, "price_pro", plans.Pro)
	c.Register(plans.SourceStripe, "price_agency", plans.Agency)
	return c
}

func eventJSON(t *testing.T, id, typ string, created int64, object string) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2025-03-31.basil","data":{"object":%s}}`,
		id, typ, created, object))
}

func subscriptionJSON(id, status, price string, periodEnd int64) string {
	return fmt.Sprintf(`{"id":%q,"object":"subscription","status":%q,"customer":"cus_1","metadata":{},`+
		`"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","current_period_end":%d,"price":{"id":%q,"object":"price"}}]}}`,
		id, status, periodEnd, price)
}

func verified(t *testing.T, a *Adapter, payload []byte) *webhooks.Envelope {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret})
	h := http.Header{}
	h.Set(SignatureHeader, signed.Header)
	env, err := a.Verify(context.Background(), payload, h)
	require.NoError(t, err)
	return env
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   stripeapi.SubscriptionStatus
		want billing.Status
	}{
		{stripeapi.SubscriptionStatusActive, billing.StatusActive},
		{stripeapi.SubscriptionStatusTrialing, billing.StatusTrialing},
		{stripeapi.SubscriptionStatusPastDue, billing.StatusPastDue},
		{stripeapi.SubscriptionStatusCanceled, billing.StatusCanceled},
		{stripeapi.SubscriptionStatusIncomplete, billing.StatusIncomplete},
		{stripeapi.SubscriptionStatusUnpaid, billing.StatusUnpaid},
		{stripeapi.SubscriptionStatusIncompleteExpired, billing.StatusIncomplete},
		{stripeapi.SubscriptionStatus("something_new"), billing.StatusIncomplete},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, MapStatus(tt.in))
		})
	}
}

func TestVerify(t *testing.T) {
	a := NewAdapter(testSecret, &fakeFetcher{}, testCatalog())
	payload := eventJSON(t, "evt_1", "customer.subscription.updated", 1750000000, subscriptionJSON("sub_1", "active", "price_pro", 1752000000))

	t.Run("valid signature", func(t *testing.T) {
		env := verified(t, a, payload)
		assert.Equal(t, "evt_1", env.EventID)
		assert.Equal(t, "customer.subscription.updated", env.EventType)
		assert.Equal(t, time.Unix(1750000000, 0).UTC(), env.OccurredAt)
	})

	t.Run("missing signature", func(t *testing.T) {
		_, err := a.Verify(context.Background(), payload, http.Header{})
		assert.True(t, billing.IsValidation(err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})
		h := http.Header{}
		h.Set(SignatureHeader, signed.Header)
		_, err := a.Verify(context.Background(), payload, h)
		assert.True(t, billing.IsValidation(err))
	})

	t.Run("tampered payload", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testSecret})
		h := http.Header{}
		h.Set(SignatureHeader, signed.Header)
		tampered := append([]byte{}, payload...)
		tampered[len(tampered)-2] = ' '
		_, err := a.Verify(context.Background(), tampered, h)
		assert.True(t, billing.IsValidation(err))
	})
}

func TestNormalize_SubscriptionUpdated(t *testing.T) {
	a := NewAdapter(testSecret, &fakeFetcher{}, testCatalog())
	payload := eventJSON(t, "evt_2", "customer.subscription.updated", 1750000000, subscriptionJSON("sub_1", "past_due", "price_pro", 1752000000))

	tr, err := a.Normalize(context.Background(), verified(t, a, payload))
	require.NoError(t, err)

	assert.Equal(t, billing.ProviderStripe, tr.Provider)
	assert.Equal(t, "sub_1", tr.ExternalID)
	assert.Equal(t, billing.StatusPastDue, tr.Status)
	assert.Equal(t, plans.Pro, tr.Plan)
	assert.Equal(t, billing.KindSubscription, tr.Kind)
	assert.Empty(t, tr.WorkspaceID)
	require.NotNil(t, tr.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1752000000, 0).UTC(), *tr.CurrentPeriodEnd)
	assert.Equal(t, "evt_2", tr.EventID)
	assert.Equal(t, "cus_1", tr.Metadata["stripe_customer"])
	assert.NoError(t, tr.Validate())
}

func TestNormalize_SubscriptionDeleted(t *testing.T) {
	a := NewAdapter(testSecret, &fakeFetcher{}, testCatalog())
	payload := eventJSON(t, "evt_3", "customer.subscription.deleted", 1750000000, subscriptionJSON("sub_1", "canceled", "price_agency", 0))

	tr, err := a.Normalize(context.Background(), verified(t, a, payload))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, tr.Status)
	assert.Equal(t, plans.Agency, tr.Plan)
	assert.Nil(t, tr.CurrentPeriodEnd)
}

func TestNormalize_UnknownPriceIsFree(t *testing.T) {
	a := NewAdapter(testSecret, &fakeFetcher{}, testCatalog())
	payload := eventJSON(t, "evt_4", "customer.subscription.updated", 1750000000, subscriptionJSON("sub_1", "active", "price_legacy", 0))

	tr, err := a.Normalize(context.Background(), verified(t, a, payload))
	require.NoError(t, err)
	assert.Equal(t, plans.Free, tr.Plan)
}

func TestNormalize_CheckoutFetchesLiveSubscription(t *testing.T) {
	var live stripeapi.Subscription
	require.NoError(t, json.Unmarshal([]byte(subscriptionJSON("sub_9", "active", "price_agency", 1752000000)), &live))
	fetcher := &fakeFetcher{subs: map[string]*stripeapi.Subscription{"sub_9": &live}}
	a := NewAdapter(testSecret, fetcher, testCatalog())

	session := `{"id":"cs_1","object":"checkout.session","mode":"subscription","subscription":"sub_9","metadata":{"workspace_id":"ws-1"}}`
	payload := eventJSON(t, "evt_5", "checkout.session.completed", 1750000000, session)

	tr, err := a.Normalize(context.Background(), verified(t, a, payload))
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, "ws-1", tr.WorkspaceID)
	assert.Equal(t, "sub_9", tr.ExternalID)
	assert.Equal(t, billing.KindCheckout, tr.Kind)
	assert.Equal(t, plans.Agency, tr.Plan)
	assert.Equal(t, billing.StatusActive, tr.Status)
	assert.Equal(t, "cs_1", tr.Metadata["stripe_checkout_session"])
}

func TestNormalize_CheckoutErrors(t *testing.T) {
	t.Run("missing workspace", func(t *testing.T) {
		a := NewAdapter(testSecret, &fakeFetcher{}, testCatalog())
		payload := eventJSON(t, "evt_6", "checkout.session.completed", 1750000000,
			`{"id":"cs_2","object":"checkout.session","subscription":"sub_9","metadata":{}}`)
		_, err := a.Normalize(context.Background(), verified(t, a, payload))
		assert.True(t, billing.IsValidation(err))
	})

	t.Run("one-time payment", func(t *testing.T) {
		a := NewAdapter(testSecret, &fakeFetcher{}, testCatalog())
		payload := eventJSON(t, "evt_7", "checkout.session.completed", 1750000000,
			`{"id":"cs_3","object":"checkout.session","mode":"payment","metadata":{"workspace_id":"ws-1"}}`)
		_, err := a.Normalize(context.Background(), verified(t, a, payload))
		assert.True(t, billing.IsUnknownEvent(err))
	})

	t.Run("provider failure", func(t *testing.T) {
		fetcher := &fakeFetcher{err: &billing.ExternalProviderError{Provider: billing.ProviderStripe, Op: "get", Err: context.DeadlineExceeded}}
		a := NewAdapter(testSecret, fetcher, testCatalog())
		payload := eventJSON(t, "evt_8", "checkout.session.completed", 1750000000,
			`{"id":"cs_4","object":"checkout.session","subscription":"sub_9","metadata":{"workspace_id":"ws-1"}}`)
		_, err := a.Normalize(context.Background(), verified(t, a, payload))
		assert.True(t, billing.IsExternalProvider(err))
	})
}

func TestNormalize_PaymentFailed(t *testing.T) {
	a := NewAdapter(testSecret, &fakeFetcher{}, testCatalog())

	tests := []struct {
		name    string
		invoice string
	}{
		{"legacy subscription field", `{"id":"in_1","object":"invoice","subscription":"sub_1"}`},
		{"parent subscription details", `{"id":"in_1","object":"invoice","parent":{"subscription_details":{"subscription":"sub_1"}}}`},
		{"expanded subscription", `{"id":"in_1","object":"invoice","subscription":{"id":"sub_1","object":"subscription"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := eventJSON(t, "evt_9", "invoice.payment_failed", 1750000000, tt.invoice)
			tr, err := a.Normalize(context.Background(), verified(t, a, payload))
			require.NoError(t, err)

			assert.Equal(t, "sub_1", tr.ExternalID)
			assert.Equal(t, billing.StatusPastDue, tr.Status)
			assert.Equal(t, billing.KindPaymentFailed, tr.Kind)
			assert.True(t, tr.KeepPlan)
			assert.True(t, tr.RequireExisting)
			assert.NoError(t, tr.Validate())
		})
	}

	t.Run("invoice without subscription", func(t *testing.T) {
		payload := eventJSON(t, "evt_10", "invoice.payment_failed", 1750000000, `{"id":"in_2","object":"invoice"}`)
		_, err := a.Normalize(context.Background(), verified(t, a, payload))
		assert.True(t, billing.IsUnknownEvent(err))
	})
}

func TestNormalize_UnrecognizedEventType(t *testing.T) {
	fetcher := &fakeFetcher{}
	a := NewAdapter(testSecret, fetcher, testCatalog())
	payload := eventJSON(t, "evt_11", "customer.created", 1750000000, `{"id":"cus_1","object":"customer"}`)

	_, err := a.Normalize(context.Background(), verified(t, a, payload))
	assert.True(t, billing.IsUnknownEvent(err))
	assert.Zero(t, fetcher.calls)
}

func TestClient_GetSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/subscriptions/sub_1":
			assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(subscriptionJSON("sub_1", "active", "price_pro", 1752000000)))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
		}
	}))
	defer srv.Close()

	c := NewClient("sk_test", WithBaseURL(srv.URL), WithTimeout(2*time.Second))

	sub, err := c.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "price_pro", sub.Items.Data[0].Price.ID)

	_, err = c.GetSubscription(context.Background(), "sub_missing")
	require.Error(t, err)
	assert.True(t, billing.IsExternalProvider(err))
}
