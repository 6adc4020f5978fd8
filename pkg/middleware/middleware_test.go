package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func tenantRouter(h http.Handler) *mux.Router {
	router := mux.NewRouter()
	sub := router.PathPrefix("/v1/workspaces/{id}").Subrouter()
	sub.Use(TenantContext("id"))
	sub.Handle("/usage", h)
	return router
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", seen)
}

func TestTenantContext(t *testing.T) {
	var gotWorkspace, gotActor string
	router := tenantRouter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWorkspace = contextkeys.GetWorkspaceID(r.Context())
		gotActor = contextkeys.GetActorID(r.Context())
	}))

	tests := []struct {
		name      string
		workspace string
		actor     string
		status    int
	}{
		{"matching tenant", "ws_1", "user_1", http.StatusOK},
		{"missing tenant", "", "user_1", http.StatusForbidden},
		{"other tenant", "ws_2", "user_1", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotWorkspace, gotActor = "", ""
			req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws_1/usage", nil)
			if tt.workspace != "" {
				req.Header.Set(HeaderWorkspaceID, tt.workspace)
			}
			req.Header.Set(HeaderActorID, tt.actor)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "ws_1", gotWorkspace)
				assert.Equal(t, "user_1", gotActor)
			}
		})
	}
}

func TestKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3:generate", Key(req, "generate"))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9:generate", Key(req, "generate"))

	ctx := contextkeys.WithWorkspaceID(context.Background(), "ws_1")
	assert.Equal(t, "ws_1:-:generate", Key(req.WithContext(ctx), "generate"))

	ctx = contextkeys.WithActorID(ctx, "user_1")
	assert.Equal(t, "ws_1:user_1:generate", Key(req.WithContext(ctx), "generate"))
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(0), ratelimit.WithClock(func() time.Time { return now }))
	rl := NewRateLimitMiddleware(limiter, nil, nil)
	policy := RateLimitPolicy{Operation: "generate", Window: time.Minute, Max: 3}
	router := tenantRouter(rl.For(policy)(okHandler))

	do := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws_1/usage", nil)
		req.Header.Set(HeaderWorkspaceID, "ws_1")
		req.Header.Set(HeaderActorID, actor)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 3; i++ {
		w := do("user_1")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := do("user_1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// other actors have their own bucket
	assert.Equal(t, http.StatusOK, do("user_2").Code)
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, time.Time, time.Duration, int) (ratelimit.Window, error) {
	return ratelimit.Window{}, errors.New("redis: connection refused")
}
func (failingStore) Compact(context.Context, time.Time) (int, error) { return 0, nil }
func (failingStore) Len() int                                         { return 0 }

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	rl := NewRateLimitMiddleware(ratelimit.NewLimiter(failingStore{}), nil, nil)
	h := rl.For(DefaultRateLimitPolicy("generate"))(okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type fakeChecker struct {
	err   error
	calls int
}

func (f *fakeChecker) CheckResource(_ context.Context, id string, res workspaces.Resource) (*workspaces.Usage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &workspaces.Usage{WorkspaceID: id, Resource: res}, nil
}

func TestEnforceResourceQuota(t *testing.T) {
	t.Run("under limit", func(t *testing.T) {
		checker := &fakeChecker{}
		router := tenantRouter(EnforceResourceQuota(checker, workspaces.ResourceLocations)(okHandler))

		req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws_1/usage", nil)
		req.Header.Set(HeaderWorkspaceID, "ws_1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, checker.calls)
	})

	t.Run("at limit", func(t *testing.T) {
		checker := &fakeChecker{err: &workspaces.QuotaExceededError{
			Resource: workspaces.ResourceLocations, Plan: plans.Free, Current: 1, Limit: 1,
		}}
		router := tenantRouter(EnforceResourceQuota(checker, workspaces.ResourceLocations)(okHandler))

		req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws_1/usage", nil)
		req.Header.Set(HeaderWorkspaceID, "ws_1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Contains(t, w.Body.String(), "FREE")
	})

	t.Run("reads skip the check", func(t *testing.T) {
		checker := &fakeChecker{err: errors.New("should not be called")}
		router := tenantRouter(EnforceResourceQuota(checker, workspaces.ResourceSeats)(okHandler))

		req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws_1/usage", nil)
		req.Header.Set(HeaderWorkspaceID, "ws_1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, checker.calls)
	})

	t.Run("no tenant context", func(t *testing.T) {
		h := EnforceResourceQuota(&fakeChecker{}, workspaces.ResourceSeats)(okHandler)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
