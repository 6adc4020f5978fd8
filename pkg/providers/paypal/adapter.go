package paypal

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/webhooks"
)

// API is the subset of the PayPal REST API the adapter needs
type API interface {
	VerifySignature(ctx context.Context, webhookID string, payload []byte, header http.Header) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
}

// Adapter verifies and normalizes PayPal webhook deliveries
type Adapter struct {
	webhookID  string
	api        API
	normalizer *Normalizer
}

var _ webhooks.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter. Without an API or webhook id every delivery
// is rejected.
func NewAdapter(webhookID string, api API, catalog *plans.Catalog) *Adapter {
	return &Adapter{
		webhookID:  webhookID,
		api:        api,
		normalizer: NewNormalizer(catalog),
	}
}

// Provider returns billing.ProviderPayPal
func (a *Adapter) Provider() billing.Provider {
	return billing.ProviderPayPal
}

// Verify authenticates the delivery through PayPal and decodes its envelope
func (a *Adapter) Verify(ctx context.Context, payload []byte, header http.Header) (*webhooks.Envelope, error) {
	if a.api == nil || a.webhookID == "" {
		return nil, &billing.ValidationError{Field: HeaderTransmissionSig, Reason: "webhook verification is not configured"}
	}
	if err := a.api.VerifySignature(ctx, a.webhookID, payload, header); err != nil {
		return nil, err
	}

	evt, err := ParseEvent(payload)
	if err != nil {
		return nil, err
	}
	return &webhooks.Envelope{
		Provider:   billing.ProviderPayPal,
		EventID:    evt.ID,
		EventType:  evt.EventType,
		OccurredAt: evt.OccurredAt(),
		Payload:    payload,
	}, nil
}

// Normalize maps a verified event to a transition. An event without a
// resource status is completed from the live subscription.
func (a *Adapter) Normalize(ctx context.Context, env *webhooks.Envelope) (*billing.Transition, error) {
	evt, err := ParseEvent(env.Payload)
	if err != nil {
		return nil, err
	}

	if needsLiveStatus(evt) && a.api != nil {
		live, err := a.api.GetSubscription(ctx, evt.Resource.ID)
		if err != nil {
			return nil, err
		}
		evt.Resource.Status = live.Status
		if evt.Resource.PlanID == "" {
			evt.Resource.PlanID = live.PlanID
		}
		if evt.Resource.BillingInfo == nil {
			evt.Resource.BillingInfo = live.BillingInfo
		}
	}

	return a.normalizer.Normalize(evt)
}

func needsLiveStatus(evt *Event) bool {
	return strings.HasPrefix(evt.EventType, subscriptionEventPrefix) &&
		evt.EventType != eventPaymentFailed &&
		evt.Resource.ID != "" && evt.Resource.Status == ""
}
