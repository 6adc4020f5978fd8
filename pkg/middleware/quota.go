package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/contextkeys"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

// ResourceChecker performs the advisory resource quota check
type ResourceChecker interface {
	CheckResource(ctx context.Context, workspaceID string, res workspaces.Resource) (*workspaces.Usage, error)
}

// EnforceResourceQuota rejects creation requests early when the workspace is
// already at its limit for res. It is advisory: the handler must still create
// through the atomic Guard.CreateResource.
//
// REQUIRES: TenantContext must run before this middleware.
func EnforceResourceQuota(checker ResourceChecker, res workspaces.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			workspaceID := contextkeys.GetWorkspaceID(r.Context())
			if workspaceID == "" {
				httputil.WriteDomainError(w, &billing.AuthorizationError{Reason: "no tenant context"})
				return
			}

			if _, err := checker.CheckResource(r.Context(), workspaceID, res); err != nil {
				httputil.WriteDomainError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
