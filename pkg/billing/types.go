package billing

import (
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// Status represents the canonical status of a subscription
type Status string

const (
	StatusActive          Status = "ACTIVE"
	StatusTrialing        Status = "TRIALING"
	StatusPastDue         Status = "PAST_DUE"
	StatusUnpaid          Status = "UNPAID"
	StatusCanceled        Status = "CANCELED"
	StatusIncomplete      Status = "INCOMPLETE"
	StatusApprovalPending Status = "APPROVAL_PENDING"
)

// Valid reports whether s is a canonical status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusUnpaid,
		StatusCanceled, StatusIncomplete, StatusApprovalPending:
		return true
	}
	return false
}

// Entitled reports whether the status grants the subscription plan
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// InGrace reports whether the status keeps the plan for a bounded grace period
func (s Status) InGrace() bool {
	return s == StatusPastDue || s == StatusUnpaid
}

// Provider identifies the payment provider that owns a subscription
type Provider string

const (
	ProviderStripe Provider = "STRIPE"
	ProviderPayPal Provider = "PAYPAL"
)

// Valid reports whether p is a known provider
func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderPayPal
}

// Label returns the lower case provider name used in logs and metrics
func (p Provider) Label() string {
	switch p {
	case ProviderStripe:
		return "stripe"
	case ProviderPayPal:
		return "paypal"
	}
	return "unknown"
}

// Subscription is the canonical billing record of a workspace
type Subscription struct {
	WorkspaceID       string         `json:"workspace_id"`
	Provider          Provider       `json:"provider"`
	ExternalID        string         `json:"external_id"`
	Status            Status         `json:"status"`
	Plan              plans.Plan     `json:"plan"`
	CurrentPeriodEnd  *time.Time     `json:"current_period_end,omitempty"`
	GracePeriodEndsAt *time.Time     `json:"grace_period_ends_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	LastEventID       string         `json:"last_event_id,omitempty"`
	LastEventAt       *time.Time     `json:"last_event_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Kind tells the controller which path produced a transition
type Kind string

const (
	// KindCheckout starts or replaces the subscription of a workspace
	KindCheckout Kind = "checkout"
	// KindSubscription updates an existing subscription
	KindSubscription Kind = "subscription"
	// KindPaymentFailed only moves the subscription into PAST_DUE
	KindPaymentFailed Kind = "payment_failed"
)

// Transition is a canonical transition request produced by a provider adapter
type Transition struct {
	// WorkspaceID may be empty when the workspace is resolved from ExternalID
	WorkspaceID      string         `json:"workspace_id,omitempty"`
	Provider         Provider       `json:"provider"`
	ExternalID       string         `json:"external_id"`
	Status           Status         `json:"status"`
	Plan             plans.Plan     `json:"plan,omitempty"`
	CurrentPeriodEnd *time.Time     `json:"current_period_end,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	Kind Kind `json:"kind"`
	// KeepPlan leaves the stored subscription plan untouched
	KeepPlan bool `json:"keep_plan,omitempty"`
	// RequireExisting turns a missing subscription into an unknown reference
	RequireExisting bool `json:"require_existing,omitempty"`
	// Initiation records a subscription that has not started yet. It never
	// overwrites the same subscription and never replaces a live one.
	Initiation bool `json:"initiation,omitempty"`

	EventID    string    `json:"event_id,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks that the transition is complete
func (t *Transition) Validate() error {
	if !t.Provider.Valid() {
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", t.Provider)}
	}
	if t.ExternalID == "" {
		return &ValidationError{Field: "external_id", Reason: "required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if !t.KeepPlan && !t.Plan.Valid() {
		return &ValidationError{Field: "plan", Reason: fmt.Sprintf("unknown plan %q", t.Plan)}
	}
	if t.Kind == KindCheckout && t.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "required for checkout"}
	}
	return nil
}

// Outcome describes what Apply did with a transition
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeStale      Outcome = "stale"
	OutcomeSuperseded Outcome = "superseded"
)

// Result is returned by Apply
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	WorkspaceID  string        `json:"workspace_id"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Plan         plans.Plan    `json:"plan"`
	Notices      []Notice      `json:"notices,omitempty"`
}

// State is the billing read model of a workspace
type State struct {
	WorkspaceID       string       `json:"workspace_id"`
	Plan              plans.Plan   `json:"plan"`
	Limits            plans.Limits `json:"limits"`
	Provider          Provider     `json:"provider,omitempty"`
	ExternalID        string       `json:"external_id,omitempty"`
	Status            Status       `json:"status,omitempty"`
	CurrentPeriodEnd  *time.Time   `json:"current_period_end,omitempty"`
	GracePeriodEndsAt *time.Time   `json:"grace_period_ends_at,omitempty"`
	InGracePeriod     bool         `json:"in_grace_period"`
}
