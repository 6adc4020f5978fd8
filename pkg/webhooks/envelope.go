package webhooks

import (
	"context"
	"net/http"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// Envelope is a verified provider delivery
type Envelope struct {
	Provider   billing.Provider `json:"provider"`
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Payload    []byte           `json:"-"`
}

// Adapter verifies and normalizes deliveries from one payment provider.
//
// Verify must reject unauthenticated deliveries with a *billing.ValidationError.
// Normalize returns a *billing.UnknownEventError for events that carry nothing
// to apply.
type Adapter interface {
	Provider() billing.Provider
	Verify(ctx context.Context, payload []byte, header http.Header) (*Envelope, error)
	Normalize(ctx context.Context, env *Envelope) (*billing.Transition, error)
}
