package stripe

import (
	"context"
	"net/http"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultTimeout bounds every Stripe API call
const DefaultTimeout = 10 * time.Second

// SubscriptionFetcher fetches live subscription detail
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error)
}

// Client calls the Stripe API without internal retries
type Client struct {
	api     subscription.Client
	timeout time.Duration
	metrics *observability.Metrics
}

// ClientOption configures a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
	url     string
	metrics *observability.Metrics
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBaseURL points the client at a different API host
func WithBaseURL(url string) ClientOption {
	return func(o *clientOptions) {
		o.url = url
	}
}

// WithClientMetrics records call latency and failures
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// NewClient creates a Stripe client authenticated with secretKey
func NewClient(secretKey string, opts ...ClientOption) *Client {
	o := &clientOptions{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(o)
	}

	cfg := &stripeapi.BackendConfig{
		HTTPClient:        &http.Client{Timeout: o.timeout},
		MaxNetworkRetries: stripeapi.Int64(0),
	}
	if o.url != "" {
		cfg.URL = stripeapi.String(o.url)
	}

	return &Client{
		api: subscription.Client{
			B:   stripeapi.GetBackendWithConfig(stripeapi.APIBackend, cfg),
			Key: secretKey,
		},
		timeout: o.timeout,
		metrics: o.metrics,
	}
}

// GetSubscription fetches a subscription with its items. Failures are
// returned as *billing.ExternalProviderError.
func (c *Client) GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := c.api.Get(id, params)
	c.metrics.RecordProviderCall("stripe", "get_subscription", time.Since(start), err)
	if err != nil {
		return nil, &billing.ExternalProviderError{Provider: billing.ProviderStripe, Op: "get subscription " + id, Err: err}
	}
	return sub, nil
}
