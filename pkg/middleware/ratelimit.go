package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
)

// RateLimitPolicy defines the sliding window for one operation
type RateLimitPolicy struct {
	// Operation names the limited action in keys and metrics
	Operation string
	// Window is the trailing time window
	Window time.Duration
	// Max is the number of requests allowed within Window
	Max int
}

// DefaultRateLimitPolicy returns the default policy for an operation
func DefaultRateLimitPolicy(operation string) RateLimitPolicy {
	return RateLimitPolicy{
		Operation: operation,
		Window:    time.Minute,
		Max:       10,
	}
}

// RateLimitMiddleware applies sliding-window policies keyed by tenant, actor
// and operation. It is advisory and fails open when the store is unavailable.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, logger *observability.Logger, metrics *observability.Metrics) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
		metrics: metrics,
	}
}

// Key returns the bucket key for a request under policy
func Key(r *http.Request, operation string) string {
	workspaceID := contextkeys.GetWorkspaceID(r.Context())
	if workspaceID == "" {
		return "ip:" + getClientIP(r) + ":" + operation
	}
	actorID := contextkeys.GetActorID(r.Context())
	if actorID == "" {
		actorID = "-"
	}
	return workspaceID + ":" + actorID + ":" + operation
}

// For wraps a handler with policy
func (m *RateLimitMiddleware) For(policy RateLimitPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := m.limiter.Check(r.Context(), Key(r, policy.Operation), policy.Window, policy.Max)
			if err != nil {
				observability.FromContext(observability.WithLogger(r.Context(), m.logger)).
					WithError(err).
					WithField("operation", policy.Operation).
					Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			m.metrics.RecordRateLimit(policy.Operation, d.Allowed)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				httputil.WriteDomainError(w, d.Err(policy.Operation))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	// Check X-Real-IP header
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
