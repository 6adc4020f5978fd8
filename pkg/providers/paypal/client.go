package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

const (
	// LiveBaseURL is the production REST host
	LiveBaseURL = "https://api-m.paypal.com"
	// SandboxBaseURL is the sandbox REST host
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"

	// DefaultTimeout bounds every PayPal API call
	DefaultTimeout = 10 * time.Second
)

// Transmission headers sent with every webhook delivery
const (
	HeaderAuthAlgo         = "PAYPAL-AUTH-ALGO"
	HeaderCertURL          = "PAYPAL-CERT-URL"
	HeaderTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	HeaderTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
	HeaderTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
)

// Config holds PayPal REST credentials
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
}

// Client calls the PayPal REST API without internal retries
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	metrics *observability.Metrics
}

// NewClient creates a client that authenticates with client credentials
func NewClient(cfg Config, metrics *observability.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = LiveBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})

	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	return &Client{
		baseURL: base,
		http:    httpClient,
		timeout: cfg.Timeout,
		metrics: metrics,
	}
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifySignature asks PayPal whether a delivery was signed for webhookID.
// A rejected signature is a *billing.ValidationError; a failed call is a
// *billing.ExternalProviderError.
func (c *Client) VerifySignature(ctx context.Context, webhookID string, payload []byte, header http.Header) error {
	req := verifyRequest{
		AuthAlgo:         header.Get(HeaderAuthAlgo),
		CertURL:          header.Get(HeaderCertURL),
		TransmissionID:   header.Get(HeaderTransmissionID),
		TransmissionSig:  header.Get(HeaderTransmissionSig),
		TransmissionTime: header.Get(HeaderTransmissionTime),
		WebhookID:        webhookID,
		WebhookEvent:     json.RawMessage(payload),
	}
	for name, v := range map[string]string{
		HeaderAuthAlgo:         req.AuthAlgo,
		HeaderCertURL:          req.CertURL,
		HeaderTransmissionID:   req.TransmissionID,
		HeaderTransmissionSig:  req.TransmissionSig,
		HeaderTransmissionTime: req.TransmissionTime,
	} {
		if v == "" {
			return &billing.ValidationError{Field: name, Reason: "missing transmission header"}
		}
	}
	if !json.Valid(payload) {
		return &billing.ValidationError{Reason: "body is not valid JSON"}
	}

	var resp verifyResponse
	if err := c.do(ctx, "verify_webhook_signature", http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &resp); err != nil {
		return err
	}
	if resp.VerificationStatus != "SUCCESS" {
		return &billing.ValidationError{Field: HeaderTransmissionSig, Reason: "verification status " + resp.VerificationStatus}
	}
	return nil
}

// GetSubscription fetches a subscription by id
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, "get_subscription", http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(id), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, dest interface{}) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		c.metrics.RecordProviderCall("paypal", op, time.Since(start), err)
	}()

	wrap := func(e error) error {
		return &billing.ExternalProviderError{Provider: billing.ProviderPayPal, Op: op, Err: e}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return wrap(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return wrap(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
