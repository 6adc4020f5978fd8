package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ObjectPutter writes objects to a blob store
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
}

// Archive stores verified raw payloads for audit
type Archive interface {
	Store(ctx context.Context, env *Envelope) (string, error)
}

// ObjectArchive writes payloads to object storage under
// webhooks/<provider>/<yyyy>/<mm>/<dd>/<event id>.json
type ObjectArchive struct {
	store  ObjectPutter
	prefix string
}

// NewObjectArchive creates an archive on store
func NewObjectArchive(store ObjectPutter) *ObjectArchive {
	return &ObjectArchive{store: store, prefix: "webhooks"}
}

// Key returns the object key for an envelope
func (a *ObjectArchive) Key(env *Envelope) string {
	id := env.EventID
	if id == "" {
		id = "unidentified-" + uuid.NewString()
	}
	at := env.OccurredAt.UTC()
	return path.Join(
		a.prefix,
		env.Provider.Label(),
		at.Format("2006"), at.Format("01"), at.Format("02"),
		sanitizeKey(id)+".json",
	)
}

// Store writes the raw payload and returns its key
func (a *ObjectArchive) Store(ctx context.Context, env *Envelope) (string, error) {
	key := a.Key(env)
	if err := a.store.PutObject(ctx, key, bytes.NewReader(env.Payload), "application/json"); err != nil {
		return "", fmt.Errorf("failed to archive webhook %s: %w", key, err)
	}
	return key, nil
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
