package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/contextkeys"
	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// Tenant headers set by the gateway
const (
	HeaderWorkspaceID = "X-Workspace-ID"
	HeaderActorID     = "X-Actor-ID"
	HeaderRequestID   = "X-Request-ID"
)

const maxRequestIDLength = 128

// RequestID propagates X-Request-ID, generating one when absent
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestID(r.Context(), id)))
	})
}

// TenantContext adds the workspace and actor from the tenant headers to the
// request context. When the route has a pathParam variable it must name the
// same workspace as the header.
func TenantContext(pathParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workspaceID := r.Header.Get(HeaderWorkspaceID)
			pathID := mux.Vars(r)[pathParam]

			if workspaceID == "" {
				httputil.WriteDomainError(w, &billing.AuthorizationError{WorkspaceID: pathID, Reason: "missing " + HeaderWorkspaceID})
				return
			}
			if pathID != "" && pathID != workspaceID {
				httputil.WriteDomainError(w, &billing.AuthorizationError{WorkspaceID: pathID, Reason: "tenant header names a different workspace"})
				return
			}

			ctx := contextkeys.WithWorkspaceID(r.Context(), workspaceID)
			if actorID := r.Header.Get(HeaderActorID); actorID != "" {
				ctx = contextkeys.WithActorID(ctx, actorID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
