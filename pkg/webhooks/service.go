package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

const archiveTimeout = 10 * time.Second

// Applier commits canonical transitions
type Applier interface {
	Apply(ctx context.Context, t billing.Transition) (*billing.Result, error)
}

// Service runs the ingestion pipeline for every configured provider
type Service struct {
	adapters map[billing.Provider]Adapter
	applier  Applier
	archive  Archive
	receipts *ReceiptLog
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithAdapter registers the adapter for its provider
func WithAdapter(a Adapter) Option {
	return func(s *Service) {
		s.adapters[a.Provider()] = a
	}
}

// WithArchive archives every verified payload
func WithArchive(a Archive) Option {
	return func(s *Service) {
		s.archive = a
	}
}

// WithReceiptLog sets the receipt log
func WithReceiptLog(l *ReceiptLog) Option {
	return func(s *Service) {
		s.receipts = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock overrides the clock used for receipts
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an ingestion service applying transitions through applier
func NewService(applier Applier, opts ...Option) *Service {
	s := &Service{
		adapters: map[billing.Provider]Adapter{},
		applier:  applier,
		receipts: NewReceiptLog(1000),
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Receipts returns the receipt log
func (s *Service) Receipts() *ReceiptLog {
	return s.receipts
}

// Supports reports whether an adapter is registered for provider
func (s *Service) Supports(provider billing.Provider) bool {
	_, ok := s.adapters[provider]
	return ok
}

// Handle verifies, normalizes and applies one delivery. The receipt is always
// returned; err is non-nil only when the delivery must not be acknowledged.
func (s *Service) Handle(ctx context.Context, provider billing.Provider, payload []byte, header http.Header) (*Receipt, error) {
	start := s.now()
	receipt := &Receipt{
		ID:         uuid.NewString(),
		Provider:   provider,
		ReceivedAt: start.UTC(),
	}

	err := s.handle(ctx, provider, payload, header, receipt)

	receipt.StatusCode = httputil.StatusFor(err)
	receipt.Duration = s.now().Sub(start)
	if err != nil {
		receipt.ErrorMessage = err.Error()
	}
	s.receipts.Add(receipt)

	eventType := receipt.EventType
	if eventType == "" {
		eventType = "unverified"
	}
	s.metrics.RecordWebhookEvent(provider.Label(), eventType, receipt.Outcome, receipt.Duration)

	log := observability.FromContext(observability.WithLogger(ctx, s.logger)).WithFields(map[string]interface{}{
		"provider":     provider.Label(),
		"event_id":     receipt.EventID,
		"event_type":   receipt.EventType,
		"outcome":      receipt.Outcome,
		"workspace_id": receipt.WorkspaceID,
	})
	switch {
	case err != nil && receipt.StatusCode >= http.StatusInternalServerError:
		log.WithError(err).Error("webhook delivery failed")
	case err != nil:
		log.WithError(err).Warn("webhook delivery rejected")
	case receipt.Outcome == OutcomeIgnored || receipt.Outcome == OutcomeUnknown:
		log.Debug("webhook delivery acknowledged without action")
	default:
		log.Info("webhook delivery processed")
	}

	return receipt, err
}

func (s *Service) handle(ctx context.Context, provider billing.Provider, payload []byte, header http.Header, receipt *Receipt) error {
	adapter, ok := s.adapters[provider]
	if !ok {
		receipt.Outcome = OutcomeRejected
		return &billing.ValidationError{Field: "provider", Reason: fmt.Sprintf("provider %s is not configured", provider.Label())}
	}

	env, err := adapter.Verify(ctx, payload, header)
	if err != nil {
		receipt.Outcome = outcomeFor(err)
		return err
	}
	receipt.EventID = env.EventID
	receipt.EventType = env.EventType

	if s.archive != nil {
		archived := *env
		async.SafeGo(context.WithoutCancel(ctx), archiveTimeout, "webhook archive", func(ctx context.Context) error {
			_, err := s.archive.Store(ctx, &archived)
			return err
		})
	}

	t, err := adapter.Normalize(ctx, env)
	if err != nil {
		if billing.IsUnknownEvent(err) {
			receipt.Outcome = OutcomeIgnored
			return nil
		}
		receipt.Outcome = outcomeFor(err)
		return err
	}
	receipt.WorkspaceID = t.WorkspaceID

	res, err := s.applier.Apply(ctx, *t)
	if err != nil {
		if billing.IsUnknownEvent(err) {
			receipt.Outcome = OutcomeUnknown
			return nil
		}
		receipt.Outcome = outcomeFor(err)
		return err
	}

	receipt.Outcome = string(res.Outcome)
	receipt.WorkspaceID = res.WorkspaceID
	return nil
}

func outcomeFor(err error) string {
	if billing.IsValidation(err) {
		return OutcomeRejected
	}
	return OutcomeFailed
}
