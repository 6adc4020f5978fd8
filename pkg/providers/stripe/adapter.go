package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/webhooks"
)

// SignatureHeader carries the Stripe webhook signature
const SignatureHeader = "Stripe-Signature"

// Adapter verifies and normalizes Stripe webhook deliveries
type Adapter struct {
	secret     string
	fetcher    SubscriptionFetcher
	normalizer *Normalizer
}

var _ webhooks.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter. secret is the endpoint signing secret.
func NewAdapter(secret string, fetcher SubscriptionFetcher, catalog *plans.Catalog) *Adapter {
	return &Adapter{
		secret:     secret,
		fetcher:    fetcher,
		normalizer: NewNormalizer(catalog),
	}
}

// Provider returns billing.ProviderStripe
func (a *Adapter) Provider() billing.Provider {
	return billing.ProviderStripe
}

// Verify checks the Stripe-Signature header against the signing secret
func (a *Adapter) Verify(ctx context.Context, payload []byte, header http.Header) (*webhooks.Envelope, error) {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return nil, &billing.ValidationError{Field: SignatureHeader, Reason: "missing signature"}
	}
	if a.secret == "" {
		return nil, &billing.ValidationError{Field: SignatureHeader, Reason: "no signing secret configured"}
	}

	evt, err := webhook.ConstructEventWithOptions(payload, sig, a.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &billing.ValidationError{Field: SignatureHeader, Reason: err.Error()}
	}

	return &webhooks.Envelope{
		Provider:   billing.ProviderStripe,
		EventID:    evt.ID,
		EventType:  string(evt.Type),
		OccurredAt: eventTime(&evt),
		Payload:    payload,
	}, nil
}

// Normalize maps a verified event to a transition. Checkout completion fetches
// the live subscription; that is the only call leaving the process.
func (a *Adapter) Normalize(ctx context.Context, env *webhooks.Envelope) (*billing.Transition, error) {
	var evt stripeapi.Event
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		return nil, &billing.ValidationError{Reason: fmt.Sprintf("invalid event: %v", err)}
	}
	if evt.Data == nil {
		return nil, &billing.ValidationError{Field: "data", Reason: "required"}
	}

	switch evt.Type {
	case stripeapi.EventTypeCheckoutSessionCompleted:
		return a.checkoutCompleted(ctx, &evt)

	case stripeapi.EventTypeCustomerSubscriptionUpdated, stripeapi.EventTypeCustomerSubscriptionDeleted:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, &billing.ValidationError{Field: "data.object", Reason: fmt.Sprintf("invalid subscription: %v", err)}
		}
		return a.normalizer.FromSubscription(&evt, &sub, billing.KindSubscription, "")

	case stripeapi.EventTypeInvoicePaymentFailed:
		return a.normalizer.FromPaymentFailed(&evt)
	}

	return nil, &billing.UnknownEventError{Provider: billing.ProviderStripe, EventType: string(evt.Type)}
}

func (a *Adapter) checkoutCompleted(ctx context.Context, evt *stripeapi.Event) (*billing.Transition, error) {
	var session stripeapi.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		return nil, &billing.ValidationError{Field: "data.object", Reason: fmt.Sprintf("invalid checkout session: %v", err)}
	}

	workspaceID := session.Metadata[WorkspaceMetadataKey]
	if workspaceID == "" {
		workspaceID = session.ClientReferenceID
	}
	if workspaceID == "" {
		return nil, &billing.ValidationError{Field: "metadata." + WorkspaceMetadataKey, Reason: "required"}
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return nil, &billing.UnknownEventError{
			Provider:  billing.ProviderStripe,
			EventType: string(evt.Type),
			Reference: "checkout session " + session.ID + " without subscription",
		}
	}

	live, err := a.fetcher.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return nil, err
	}

	t, err := a.normalizer.FromSubscription(evt, live, billing.KindCheckout, workspaceID)
	if err != nil {
		return nil, err
	}
	t.Metadata["stripe_checkout_session"] = session.ID
	return t, nil
}
