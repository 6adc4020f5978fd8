package paypal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

const (
	subscriptionEventPrefix = "BILLING.SUBSCRIPTION."
	eventPaymentFailed      = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
)

// MapStatus maps a PayPal subscription status to a canonical status
func MapStatus(s string) billing.Status {
	switch strings.ToUpper(s) {
	case "ACTIVE":
		return billing.StatusActive
	case "APPROVAL_PENDING":
		return billing.StatusApprovalPending
	case "SUSPENDED":
		return billing.StatusPastDue
	case "CANCELLED", "EXPIRED":
		return billing.StatusCanceled
	default:
		return billing.StatusIncomplete
	}
}

// Event is a PayPal webhook event
type Event struct {
	ID         string       `json:"id"`
	EventType  string       `json:"event_type"`
	CreateTime string       `json:"create_time"`
	Resource   Subscription `json:"resource"`
}

// Subscription is the subscription resource of a webhook event or REST response
type Subscription struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PlanID      string `json:"plan_id"`
	CustomID    string `json:"custom_id"`
	BillingInfo *struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info,omitempty"`
}

// ParseEvent decodes a webhook body
func ParseEvent(payload []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, &billing.ValidationError{Reason: fmt.Sprintf("invalid event: %v", err)}
	}
	return &evt, nil
}

// OccurredAt returns the event creation time, zero when absent
func (e *Event) OccurredAt() time.Time {
	t, err := time.Parse(time.RFC3339, e.CreateTime)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Normalizer turns PayPal events into transitions. It has no side effects.
type Normalizer struct {
	catalog *plans.Catalog
}

// NewNormalizer creates a normalizer resolving plan ids through catalog
func NewNormalizer(catalog *plans.Catalog) *Normalizer {
	if catalog == nil {
		catalog = plans.NewCatalog()
	}
	return &Normalizer{catalog: catalog}
}

// Normalize maps an event to a transition on an existing subscription
func (n *Normalizer) Normalize(evt *Event) (*billing.Transition, error) {
	if !strings.HasPrefix(evt.EventType, subscriptionEventPrefix) {
		return nil, &billing.UnknownEventError{Provider: billing.ProviderPayPal, EventType: evt.EventType}
	}
	res := evt.Resource
	if res.ID == "" {
		return nil, &billing.ValidationError{Field: "resource.id", Reason: "required"}
	}

	t := &billing.Transition{
		Provider:        billing.ProviderPayPal,
		ExternalID:      res.ID,
		Kind:            billing.KindSubscription,
		RequireExisting: true,
		EventID:         evt.ID,
		EventType:       evt.EventType,
		OccurredAt:      evt.OccurredAt(),
		Metadata: map[string]any{
			"paypal_event_type": evt.EventType,
			"paypal_status":     res.Status,
		},
	}
	if res.CustomID != "" {
		t.Metadata["paypal_custom_id"] = res.CustomID
	}

	if evt.EventType == eventPaymentFailed {
		t.Status = billing.StatusPastDue
		t.Kind = billing.KindPaymentFailed
		t.KeepPlan = true
		return t, nil
	}

	if res.Status == "" {
		return nil, &billing.ValidationError{Field: "resource.status", Reason: "required"}
	}
	t.Status = MapStatus(res.Status)

	if res.PlanID != "" {
		t.Plan = n.catalog.Resolve(plans.SourcePayPal, res.PlanID)
		t.Metadata["paypal_plan_id"] = res.PlanID
	} else {
		t.KeepPlan = true
	}

	if res.BillingInfo != nil && res.BillingInfo.NextBillingTime != "" {
		end, err := time.Parse(time.RFC3339, res.BillingInfo.NextBillingTime)
		if err != nil {
			return nil, &billing.ValidationError{Field: "resource.billing_info.next_billing_time", Reason: err.Error()}
		}
		end = end.UTC()
		t.CurrentPeriodEnd = &end
	}

	return t, nil
}
