package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// WorkspaceMetadataKey is the checkout session and subscription metadata key
// carrying the workspace id
const WorkspaceMetadataKey = "workspace_id"

// MapStatus maps a Stripe subscription status to a canonical status
func MapStatus(s stripeapi.SubscriptionStatus) billing.Status {
	switch s {
	case stripeapi.SubscriptionStatusActive:
		return billing.StatusActive
	case stripeapi.SubscriptionStatusTrialing:
		return billing.StatusTrialing
	case stripeapi.SubscriptionStatusPastDue:
		return billing.StatusPastDue
	case stripeapi.SubscriptionStatusCanceled:
		return billing.StatusCanceled
	case stripeapi.SubscriptionStatusIncomplete:
		return billing.StatusIncomplete
	case stripeapi.SubscriptionStatusUnpaid:
		return billing.StatusUnpaid
	default:
		return billing.StatusIncomplete
	}
}

// Normalizer turns decoded Stripe objects into transitions. It has no side effects.
type Normalizer struct {
	catalog *plans.Catalog
}

// NewNormalizer creates a normalizer resolving price ids through catalog
func NewNormalizer(catalog *plans.Catalog) *Normalizer {
	if catalog == nil {
		catalog = plans.NewCatalog()
	}
	return &Normalizer{catalog: catalog}
}

// FromSubscription builds a transition from a Stripe subscription object.
// workspaceID may be empty, in which case the controller resolves it from the
// subscription id.
func (n *Normalizer) FromSubscription(evt *stripeapi.Event, sub *stripeapi.Subscription, kind billing.Kind, workspaceID string) (*billing.Transition, error) {
	if sub == nil || sub.ID == "" {
		return nil, &billing.ValidationError{Field: "subscription.id", Reason: "required"}
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return nil, &billing.ValidationError{Field: "subscription.items", Reason: "no priced items"}
	}

	priceID := sub.Items.Data[0].Price.ID
	var periodEnd *time.Time
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodEnd <= 0 {
			continue
		}
		end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		if periodEnd == nil || end.After(*periodEnd) {
			periodEnd = &end
		}
	}

	if workspaceID == "" {
		workspaceID = sub.Metadata[WorkspaceMetadataKey]
	}

	metadata := map[string]any{
		"stripe_event_type": string(evt.Type),
		"stripe_status":     string(sub.Status),
		"stripe_price_id":   priceID,
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		metadata["stripe_customer"] = sub.Customer.ID
	}

	return &billing.Transition{
		WorkspaceID:      workspaceID,
		Provider:         billing.ProviderStripe,
		ExternalID:       sub.ID,
		Status:           MapStatus(sub.Status),
		Plan:             n.catalog.Resolve(plans.SourceStripe, priceID),
		CurrentPeriodEnd: periodEnd,
		Metadata:         metadata,
		Kind:             kind,
		EventID:          evt.ID,
		EventType:        string(evt.Type),
		OccurredAt:       eventTime(evt),
	}, nil
}

// FromPaymentFailed builds the PAST_DUE transition for a failed invoice.
// The plan is never touched on this path.
func (n *Normalizer) FromPaymentFailed(evt *stripeapi.Event) (*billing.Transition, error) {
	var inv invoicePayload
	if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
		return nil, &billing.ValidationError{Field: "data.object", Reason: fmt.Sprintf("invalid invoice: %v", err)}
	}
	subID := inv.subscriptionID()
	if subID == "" {
		return nil, &billing.UnknownEventError{
			Provider:  billing.ProviderStripe,
			EventType: string(evt.Type),
			Reference: "invoice " + inv.ID + " without subscription",
		}
	}

	return &billing.Transition{
		Provider:        billing.ProviderStripe,
		ExternalID:      subID,
		Status:          billing.StatusPastDue,
		Metadata:        map[string]any{"stripe_event_type": string(evt.Type), "stripe_invoice": inv.ID},
		Kind:            billing.KindPaymentFailed,
		KeepPlan:        true,
		RequireExisting: true,
		EventID:         evt.ID,
		EventType:       string(evt.Type),
		OccurredAt:      eventTime(evt),
	}, nil
}

func eventTime(evt *stripeapi.Event) time.Time {
	if evt.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(evt.Created, 0).UTC()
}

// invoicePayload reads the subscription reference from both the legacy
// top-level field and parent.subscription_details.
type invoicePayload struct {
	ID           string          `json:"id"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p invoicePayload) subscriptionID() string {
	if id := expandableID(p.Subscription); id != "" {
		return id
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return expandableID(p.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// expandableID reads an id from a field that is either a string or an expanded object
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
