package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
	"github.com/platinummonkey/tollgate/pkg/webhooks"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

// OperationGenerate names the rate-limited generation reservation
const OperationGenerate = "generate"

// WorkspaceCreator provisions workspaces
type WorkspaceCreator interface {
	CreateWorkspace(ctx context.Context, ws *workspaces.Workspace) error
}

// Dependencies holds the collaborators of the API server. Webhooks and
// Limiter are optional.
type Dependencies struct {
	Workspaces WorkspaceCreator
	Controller *billing.Controller
	Guard      *workspaces.Guard
	Webhooks   *webhooks.Service
	Limiter    *ratelimit.Limiter

	// GenerationPolicy limits POST .../generations; a zero Max uses the default policy
	GenerationPolicy middleware.RateLimitPolicy

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Server represents our API server
type Server struct {
	router *mux.Router
	deps   Dependencies
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.GenerationPolicy.Max <= 0 {
		deps.GenerationPolicy = middleware.DefaultRateLimitPolicy(OperationGenerate)
	}
	if deps.GenerationPolicy.Operation == "" {
		deps.GenerationPolicy.Operation = OperationGenerate
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID,
		httputil.RecoveryMiddleware(s.deps.Logger),
		httputil.LoggingMiddleware(s.deps.Logger),
		observability.HTTPMetricsMiddleware(s.deps.Metrics),
	)

	s.router.HandleFunc("/v1/plans", listPlans).Methods("GET")

	s.router.Handle("/v1/workspaces",
		middleware.TenantContext("")(http.HandlerFunc(s.createWorkspace))).Methods("POST")

	tenant := s.router.PathPrefix("/v1/workspaces/{workspace_id}").Subrouter()
	tenant.Use(middleware.TenantContext("workspace_id"))
	NewWorkspaceHandlers(s.deps).RegisterRoutes(tenant)

	if s.deps.Webhooks != nil {
		webhooks.NewHandlers(s.deps.Webhooks).RegisterRoutes(s.router)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}

// RouteTemplate returns the matched mux path template for metrics labels,
// falling back to a fixed label for unmatched requests
func RouteTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
