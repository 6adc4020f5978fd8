package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// NoticeType names a billing state change worth telling the tenant about
type NoticeType string

const (
	NoticeGraceStarted NoticeType = "grace_period_started"
	NoticePlanChanged  NoticeType = "plan_changed"
	NoticeDowngraded   NoticeType = "downgraded"
)

// Notice is emitted once per committed billing state change
type Notice struct {
	Type              NoticeType `json:"type"`
	WorkspaceID       string     `json:"workspace_id"`
	Provider          Provider   `json:"provider,omitempty"`
	Status            Status     `json:"status,omitempty"`
	FromPlan          plans.Plan `json:"from_plan,omitempty"`
	ToPlan            plans.Plan `json:"to_plan,omitempty"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
	EventID           string     `json:"event_id,omitempty"`
	At                time.Time  `json:"at"`
}

// Notifier delivers notices. Delivery failures never undo the state change.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notice) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, n Notice) error {
	return f(ctx, n)
}

// MultiNotifier fans a notice out to every notifier
type MultiNotifier []Notifier

// Notify delivers n to all notifiers and joins their errors
func (m MultiNotifier) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notices to the structured log
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n
func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	entry := l.logger.WithFields(map[string]interface{}{
		"notice":       string(n.Type),
		"workspace_id": n.WorkspaceID,
		"from_plan":    string(n.FromPlan),
		"to_plan":      string(n.ToPlan),
	})
	if n.GracePeriodEndsAt != nil {
		entry = entry.WithField("grace_period_ends_at", n.GracePeriodEndsAt.UTC().Format(time.RFC3339))
	}
	entry.Info("billing notice")
	return nil
}

// DefaultNoticeChannel is the Redis channel notices are published on
const DefaultNoticeChannel = "tollgate:billing:notices"

// RedisNotifier publishes notices as JSON on a Redis pub/sub channel
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a Redis notifier. An empty channel uses DefaultNoticeChannel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultNoticeChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Notify publishes n
func (r *RedisNotifier) Notify(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return nil
}
