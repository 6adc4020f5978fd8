package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/contextkeys"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

// WorkspaceHandlers handles tenant-scoped governance requests
type WorkspaceHandlers struct {
	controller *billing.Controller
	guard      *workspaces.Guard
	rateLimit  *middleware.RateLimitMiddleware
	policy     middleware.RateLimitPolicy
	logger     *observability.Logger
}

// NewWorkspaceHandlers creates a new WorkspaceHandlers
func NewWorkspaceHandlers(deps Dependencies) *WorkspaceHandlers {
	h := &WorkspaceHandlers{
		controller: deps.Controller,
		guard:      deps.Guard,
		policy:     deps.GenerationPolicy,
		logger:     deps.Logger,
	}
	if deps.Limiter != nil {
		h.rateLimit = middleware.NewRateLimitMiddleware(deps.Limiter, deps.Logger, deps.Metrics)
	}
	return h
}

// RegisterRoutes registers workspace routes on a router whose prefix carries
// the {workspace_id} variable
func (h *WorkspaceHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing", h.GetBilling).Methods("GET")
	router.HandleFunc("/usage", h.GetUsage).Methods("GET")
	router.HandleFunc("/subscriptions", h.RegisterSubscription).Methods("POST")

	var consume http.Handler = http.HandlerFunc(h.ConsumeGeneration)
	if h.rateLimit != nil {
		consume = h.rateLimit.For(h.policy)(consume)
	}
	router.Handle("/generations", consume).Methods("POST")
	router.HandleFunc("/generations", h.ReleaseGeneration).Methods("DELETE")

	router.HandleFunc("/quota/{resource}", h.GetQuota).Methods("GET")
	router.HandleFunc("/quota/{resource}", h.CheckQuota).Methods("POST")

	router.Handle("/locations", middleware.EnforceResourceQuota(h.guard, workspaces.ResourceLocations)(
		h.createResource(workspaces.ResourceLocations))).Methods("POST")
	router.Handle("/members", middleware.EnforceResourceQuota(h.guard, workspaces.ResourceSeats)(
		h.createResource(workspaces.ResourceSeats))).Methods("POST")
}

// GetBilling returns the billing state, downgrading first when grace expired
func (h *WorkspaceHandlers) GetBilling(w http.ResponseWriter, r *http.Request) {
	state, err := h.controller.BillingState(r.Context(), contextkeys.GetWorkspaceID(r.Context()))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, state)
}

// RegisterSubscription records a subscription the workspace initiated with a
// provider, so that the provider's later webhooks resolve to it
func (h *WorkspaceHandlers) RegisterSubscription(w http.ResponseWriter, r *http.Request) {
	var req RegisterSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	provider, plan, err := req.Validate()
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	workspaceID := contextkeys.GetWorkspaceID(r.Context())
	result, err := h.controller.RegisterPending(r.Context(), workspaceID, provider, req.ExternalID, plan)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if result.Outcome != billing.OutcomeApplied {
		httputil.WriteSuccess(w, result)
		return
	}
	httputil.WriteCreated(w, result)
}

// GetUsage returns generation usage for the current month bucket
func (h *WorkspaceHandlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.guard.GenerationUsage(r.Context(), contextkeys.GetWorkspaceID(r.Context()))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, usageResponse(usage))
}

// ConsumeGeneration reserves one AI generation
func (h *WorkspaceHandlers) ConsumeGeneration(w http.ResponseWriter, r *http.Request) {
	usage, err := h.guard.ConsumeGeneration(r.Context(), contextkeys.GetWorkspaceID(r.Context()))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, usageResponse(usage))
}

// ReleaseGeneration compensates a reservation whose billable call failed
func (h *WorkspaceHandlers) ReleaseGeneration(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.ReleaseGeneration(r.Context(), contextkeys.GetWorkspaceID(r.Context())); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetQuota reports usage of a resource without denying
func (h *WorkspaceHandlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	res, ok := parseResource(w, r)
	if !ok {
		return
	}
	usage, err := h.guard.ResourceUsage(r.Context(), contextkeys.GetWorkspaceID(r.Context()), res)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, usageResponse(usage))
}

// CheckQuota is the advisory check: 402 when one more unit would exceed the plan
func (h *WorkspaceHandlers) CheckQuota(w http.ResponseWriter, r *http.Request) {
	res, ok := parseResource(w, r)
	if !ok {
		return
	}
	usage, err := h.guard.CheckResource(r.Context(), contextkeys.GetWorkspaceID(r.Context()), res)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, usageResponse(usage))
}

func (h *WorkspaceHandlers) createResource(res workspaces.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateResourceRequest
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		rec := workspaces.ResourceRecord{
			ID:          req.ID,
			WorkspaceID: contextkeys.GetWorkspaceID(r.Context()),
			Name:        req.Name,
		}
		usage, err := h.guard.CreateResource(r.Context(), res, rec)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		httputil.WriteCreated(w, ResourceResponse{Resource: rec, Usage: usageResponse(usage)})
	}
}

func parseResource(w http.ResponseWriter, r *http.Request) (workspaces.Resource, bool) {
	raw, ok := httputil.ParsePathStringOrError(w, r, "resource")
	if !ok {
		return "", false
	}
	res := workspaces.Resource(strings.ToLower(raw))
	// "generations" is accepted as shorthand
	if res == "generations" {
		res = workspaces.ResourceGenerations
	}
	if !res.Valid() {
		httputil.WriteDomainError(w, &billing.ValidationError{Field: "resource", Reason: "unknown resource " + raw})
		return "", false
	}
	return res, true
}

// createWorkspace handles POST /v1/workspaces. New workspaces start on FREE;
// plans change only through billing events.
func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if tenant := contextkeys.GetWorkspaceID(r.Context()); tenant != req.ID {
		httputil.WriteDomainError(w, &billing.AuthorizationError{WorkspaceID: req.ID, Reason: "tenant header names a different workspace"})
		return
	}

	ws := &workspaces.Workspace{
		ID:   req.ID,
		Name: req.Name,
		Plan: plans.Free,
	}
	if err := s.deps.Workspaces.CreateWorkspace(r.Context(), ws); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	observability.FromContext(observability.WithLogger(r.Context(), s.deps.Logger)).
		Info("workspace provisioned")
	httputil.WriteCreated(w, ws)
}

// listPlans handles GET /v1/plans
func listPlans(w http.ResponseWriter, r *http.Request) {
	out := make([]PlanResponse, 0, len(plans.All()))
	for _, p := range plans.All() {
		limits := plans.LimitsFor(p)
		out = append(out, PlanResponse{Plan: p, Limits: limits, Features: limits.FeatureList()})
	}
	httputil.WriteSuccess(w, out)
}
