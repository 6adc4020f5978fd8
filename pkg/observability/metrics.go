package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal   *prometheus.CounterVec
	WebhookEventDuration *prometheus.HistogramVec

	// Billing metrics
	TransitionsTotal        *prometheus.CounterVec
	DowngradesTotal         *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	ProviderErrorsTotal     *prometheus.CounterVec

	// Quota metrics
	GenerationsConsumedTotal *prometheus.CounterVec
	QuotaDenialsTotal        *prometheus.CounterVec

	// Rate limit metrics
	RateLimitDecisionsTotal *prometheus.CounterVec
	RateLimitBuckets        prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_webhook_events_total",
				Help: "Total number of webhook deliveries by outcome",
			},
			[]string{"provider", "event_type", "outcome"},
		),
		WebhookEventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_webhook_event_duration_seconds",
				Help:    "Webhook handling duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_subscription_transitions_total",
				Help: "Total number of applied subscription status transitions",
			},
			[]string{"provider", "from", "to"},
		),
		DowngradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_grace_downgrades_total",
				Help: "Total number of workspaces downgraded after grace period expiry",
			},
			[]string{"trigger"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_provider_request_duration_seconds",
				Help:    "Payment provider API call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "operation"},
		),
		ProviderErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_provider_errors_total",
				Help: "Total number of failed payment provider API calls",
			},
			[]string{"provider", "operation"},
		),

		GenerationsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_generations_consumed_total",
				Help: "Total number of AI generations reserved",
			},
			[]string{"plan"},
		),
		QuotaDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_quota_denials_total",
				Help: "Total number of actions denied by the quota guard",
			},
			[]string{"resource", "plan"},
		),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_ratelimit_decisions_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"operation", "decision"},
		),
		RateLimitBuckets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_ratelimit_buckets",
				Help: "Number of live in-memory rate limit buckets",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookEventDuration,
		m.TransitionsTotal,
		m.DowngradesTotal,
		m.ProviderRequestDuration,
		m.ProviderErrorsTotal,
		m.GenerationsConsumedTotal,
		m.QuotaDenialsTotal,
		m.RateLimitDecisionsTotal,
		m.RateLimitBuckets,
	)

	return m
}

// RecordWebhookEvent records the outcome of a webhook delivery
func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
	m.WebhookEventDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordTransition records an applied status change
func (m *Metrics) RecordTransition(provider, from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(provider, from, to).Inc()
}

// RecordDowngrades records grace-period downgrades
func (m *Metrics) RecordDowngrades(trigger string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DowngradesTotal.WithLabelValues(trigger).Add(float64(n))
}

// RecordProviderCall records a payment provider API call
func (m *Metrics) RecordProviderCall(provider, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	if err != nil {
		m.ProviderErrorsTotal.WithLabelValues(provider, operation).Inc()
	}
}

// RecordGenerationConsumed records a reserved generation
func (m *Metrics) RecordGenerationConsumed(plan string) {
	if m == nil {
		return
	}
	m.GenerationsConsumedTotal.WithLabelValues(plan).Inc()
}

// RecordQuotaDenial records an action refused by the quota guard
func (m *Metrics) RecordQuotaDenial(resource, plan string) {
	if m == nil {
		return
	}
	m.QuotaDenialsTotal.WithLabelValues(resource, plan).Inc()
}

// RecordRateLimit records a rate limiter decision
func (m *Metrics) RecordRateLimit(operation string, allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	m.RateLimitDecisionsTotal.WithLabelValues(operation, decision).Inc()
}

// SetRateLimitBuckets records the current number of buckets
func (m *Metrics) SetRateLimitBuckets(n int) {
	if m == nil {
		return
	}
	m.RateLimitBuckets.Set(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RouteTemplate resolves the label used for the path of a request. Routers
// that know their templates should replace it to keep cardinality bounded.
var RouteTemplate = func(r *http.Request) string {
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := RouteTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler returns the /metrics handler for registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
