package api

import (
	"regexp"
	"strings"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// CreateWorkspaceRequest provisions a workspace
type CreateWorkspaceRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Validate checks the request fields
func (r *CreateWorkspaceRequest) Validate() error {
	if !idPattern.MatchString(r.ID) {
		return &billing.ValidationError{Field: "id", Reason: "must be 1-64 letters, digits, '_' or '-'"}
	}
	if len(r.Name) > 200 {
		return &billing.ValidationError{Field: "name", Reason: "must be at most 200 characters"}
	}
	return nil
}

// RegisterSubscriptionRequest records a subscription initiated with a provider
type RegisterSubscriptionRequest struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"external_id"`
	Plan       string `json:"plan"`
}

// Validate checks the request fields and returns the parsed provider and plan
func (r *RegisterSubscriptionRequest) Validate() (billing.Provider, plans.Plan, error) {
	provider := billing.Provider(strings.ToUpper(r.Provider))
	if !provider.Valid() {
		return "", "", &billing.ValidationError{Field: "provider", Reason: "must be stripe or paypal"}
	}
	if r.ExternalID == "" || len(r.ExternalID) > 255 {
		return "", "", &billing.ValidationError{Field: "external_id", Reason: "must be 1-255 characters"}
	}
	plan, err := plans.Parse(r.Plan)
	if err != nil {
		return "", "", &billing.ValidationError{Field: "plan", Reason: err.Error()}
	}
	return provider, plan, nil
}

// CreateResourceRequest creates a location or a member seat
type CreateResourceRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Validate checks the request fields
func (r *CreateResourceRequest) Validate() error {
	if r.ID != "" && !idPattern.MatchString(r.ID) {
		return &billing.ValidationError{Field: "id", Reason: "must be 1-64 letters, digits, '_' or '-'"}
	}
	if r.Name == "" {
		return &billing.ValidationError{Field: "name", Reason: "required"}
	}
	return nil
}

// UsageResponse is a usage snapshot with the remaining capacity
type UsageResponse struct {
	*workspaces.Usage
	Remaining int64 `json:"remaining"`
}

func usageResponse(u *workspaces.Usage) UsageResponse {
	return UsageResponse{Usage: u, Remaining: u.Remaining()}
}

// PlanResponse describes one plan in the limits table
type PlanResponse struct {
	Plan     plans.Plan      `json:"plan"`
	Limits   plans.Limits    `json:"limits"`
	Features []plans.Feature `json:"features"`
}

// ResourceResponse is returned after a quota-guarded create
type ResourceResponse struct {
	Resource workspaces.ResourceRecord `json:"resource"`
	Usage    UsageResponse             `json:"usage"`
}
