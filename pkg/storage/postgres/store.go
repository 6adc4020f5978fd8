package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

var tracer = otel.Tracer("tollgate/storage/postgres")

// uniqueViolation is the PostgreSQL error code for unique constraint failures
const uniqueViolation = "23505"

const workspaceColumns = `id, name, plan, month_bucket, ai_generations_used, grace_period_ends_at, created_at, updated_at`

const subscriptionColumns = `workspace_id, provider, external_id, status, plan, current_period_end,
	grace_period_ends_at, metadata, last_event_id, last_event_at, created_at, updated_at`

// Store implements billing.Store and workspaces.Store on PostgreSQL.
// Counter updates are single conditional statements; subscription
// transitions lock the workspace row with SELECT ... FOR UPDATE.
type Store struct {
	conns *ConnectionManager
	db    *sql.DB
}

var (
	_ billing.Store    = (*Store)(nil)
	_ workspaces.Store = (*Store)(nil)
)

// New connects to PostgreSQL and runs pending migrations when enabled
func New(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*Store, error) {
	conns, err := NewConnectionManager(ConnectionConfigFrom(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cfg.PostgresMigrate {
		if err := RunMigrations(ctx, conns.Primary(), logger); err != nil {
			conns.Close()
			return nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
	}

	return NewWithConnections(conns), nil
}

// NewWithConnections creates a store over an existing connection manager
func NewWithConnections(conns *ConnectionManager) *Store {
	return &Store{conns: conns, db: conns.Primary()}
}

// NewWithDB creates a store over a single database handle
func NewWithDB(db *sql.DB) *Store {
	return NewWithConnections(NewConnectionManagerFromDB(db))
}

// DB returns the primary database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Connections returns the connection manager
func (s *Store) Connections() *ConnectionManager {
	return s.conns
}

// HealthCheck pings the primary and replicas
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conns.HealthCheck(ctx)
}

// Close closes every database connection
func (s *Store) Close() error {
	return s.conns.Close()
}

func startSpan(ctx context.Context, name, workspaceID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("workspace.id", workspaceID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, workspaces.ErrWorkspaceNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*workspaces.Workspace, error) {
	var ws workspaces.Workspace
	var plan string
	var grace sql.NullTime
	if err := row.Scan(&ws.ID, &ws.Name, &plan, &ws.MonthBucket, &ws.AIGenerationsUsed,
		&grace, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return nil, err
	}
	ws.Plan = plans.Plan(plan)
	ws.GracePeriodEndsAt = timePtr(grace)
	return &ws, nil
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var sub billing.Subscription
	var provider, status, plan string
	var periodEnd, grace, lastEventAt sql.NullTime
	var metadata []byte
	if err := row.Scan(&sub.WorkspaceID, &provider, &sub.ExternalID, &status, &plan, &periodEnd,
		&grace, &metadata, &sub.LastEventID, &lastEventAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Provider = billing.Provider(provider)
	sub.Status = billing.Status(status)
	sub.Plan = plans.Plan(plan)
	sub.CurrentPeriodEnd = timePtr(periodEnd)
	sub.GracePeriodEndsAt = timePtr(grace)
	sub.LastEventAt = timePtr(lastEventAt)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode subscription metadata: %w", err)
		}
	}
	return &sub, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func resourceTable(res workspaces.Resource) (string, error) {
	switch res {
	case workspaces.ResourceLocations:
		return "locations", nil
	case workspaces.ResourceSeats:
		return "workspace_members", nil
	}
	return "", fmt.Errorf("resource %q is not stored as rows", res)
}

// CreateWorkspace inserts a new workspace
func (s *Store) CreateWorkspace(ctx context.Context, ws *workspaces.Workspace) (err error) {
	ctx, span := startSpan(ctx, "Postgres.CreateWorkspace", ws.ID)
	defer func() { endSpan(span, err) }()

	if ws.Plan == "" {
		ws.Plan = plans.Free
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, name, plan, month_bucket)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, ws.ID, ws.Name, string(ws.Plan), ws.MonthBucket).Scan(&ws.CreatedAt, &ws.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workspace %s: %w", ws.ID, workspaces.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// GetWorkspace reads a workspace from the primary
func (s *Store) GetWorkspace(ctx context.Context, id string) (ws *workspaces.Workspace, err error) {
	ctx, span := startSpan(ctx, "Postgres.GetWorkspace", id)
	defer func() { endSpan(span, err) }()

	ws, err = scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workspaces.ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// RollOverMonth resets the generation counter when the stored bucket is not bucket
func (s *Store) RollOverMonth(ctx context.Context, id, bucket string) (ws *workspaces.Workspace, err error) {
	ctx, span := startSpan(ctx, "Postgres.RollOverMonth", id)
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET ai_generations_used = 0, month_bucket = $2, updated_at = NOW()
		WHERE id = $1 AND month_bucket <> $2
	`, id, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to roll over month: %w", err)
	}
	return s.GetWorkspace(ctx, id)
}

// IncrementGenerations adds one generation when the workspace is on plan and
// below limit. A stale month bucket counts as zero and is replaced.
func (s *Store) IncrementGenerations(ctx context.Context, id, bucket string, plan plans.Plan, limit int64) (used int64, ok bool, err error) {
	ctx, span := startSpan(ctx, "Postgres.IncrementGenerations", id)
	defer func() {
		span.SetAttributes(attribute.Bool("quota.incremented", ok))
		endSpan(span, err)
	}()

	err = s.db.QueryRowContext(ctx, `
		UPDATE workspaces
		SET ai_generations_used = CASE WHEN month_bucket = $2 THEN ai_generations_used + 1 ELSE 1 END,
			month_bucket = $2,
			updated_at = NOW()
		WHERE id = $1
			AND plan = $3
			AND (CASE WHEN month_bucket = $2 THEN ai_generations_used ELSE 0 END) < $4
		RETURNING ai_generations_used
	`, id, bucket, string(plan), limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment generations: %w", err)
	}
	return used, true, nil
}

// DecrementGenerations removes one generation from bucket, floored at zero
func (s *Store) DecrementGenerations(ctx context.Context, id, bucket string) (err error) {
	ctx, span := startSpan(ctx, "Postgres.DecrementGenerations", id)
	defer func() { endSpan(span, err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET ai_generations_used = ai_generations_used - 1, updated_at = NOW()
		WHERE id = $1 AND month_bucket = $2 AND ai_generations_used > 0
	`, id, bucket)
	if err != nil {
		return fmt.Errorf("failed to decrement generations: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Nothing to release, but a missing workspace is still an error
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM workspaces WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check workspace: %w", err)
		}
		if !exists {
			return workspaces.ErrWorkspaceNotFound
		}
	}
	return nil
}

// CountResources counts resource rows on a replica; the result is advisory
func (s *Store) CountResources(ctx context.Context, id string, res workspaces.Resource) (count int64, err error) {
	ctx, span := startSpan(ctx, "Postgres.CountResources", id)
	defer func() { endSpan(span, err) }()

	table, err := resourceTable(res)
	if err != nil {
		return 0, err
	}
	err = s.conns.Replica().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE workspace_id = $1`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", res, err)
	}
	return count, nil
}

// InsertResourceIfBelow inserts rec while holding the workspace row lock
func (s *Store) InsertResourceIfBelow(ctx context.Context, res workspaces.Resource, rec workspaces.ResourceRecord,
	limit func(plans.Plan) int64) (out *workspaces.ResourceOutcome, err error) {
	ctx, span := startSpan(ctx, "Postgres.InsertResourceIfBelow", rec.WorkspaceID)
	defer func() { endSpan(span, err) }()

	table, err := resourceTable(res)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var plan string
	err = tx.QueryRowContext(ctx, `SELECT plan FROM workspaces WHERE id = $1 FOR UPDATE`, rec.WorkspaceID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workspaces.ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock workspace: %w", err)
	}

	out = &workspaces.ResourceOutcome{Plan: plans.Plan(plan)}
	out.Limit = limit(out.Plan)
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE workspace_id = $1`, rec.WorkspaceID).Scan(&out.Count); err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", res, err)
	}
	if out.Count >= out.Limit {
		return out, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+table+` (id, workspace_id, name) VALUES ($1, $2, $3)`,
		rec.ID, rec.WorkspaceID, rec.Name)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%s %s: %w", res, rec.ID, workspaces.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", res, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s insert: %w", res, err)
	}

	out.Count++
	out.Inserted = true
	return out, nil
}

// FindWorkspaceByExternalID resolves a provider subscription id
func (s *Store) FindWorkspaceByExternalID(ctx context.Context, provider billing.Provider, externalID string) (id string, err error) {
	ctx, span := startSpan(ctx, "Postgres.FindWorkspaceByExternalID", "")
	defer func() { endSpan(span, err) }()

	err = s.db.QueryRowContext(ctx, `
		SELECT workspace_id FROM subscriptions WHERE provider = $1 AND external_id = $2
	`, string(provider), externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find subscription: %w", err)
	}
	return id, nil
}

// ListExpiredGrace returns workspaces with an expired grace period, oldest first.
// It reads from a replica; the sweep re-checks each workspace under its lock.
func (s *Store) ListExpiredGrace(ctx context.Context, now time.Time, limit int) (ids []string, err error) {
	ctx, span := startSpan(ctx, "Postgres.ListExpiredGrace", "")
	defer func() { endSpan(span, err) }()

	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.conns.Replica().QueryContext(ctx, `
		SELECT workspace_id FROM subscriptions
		WHERE status = ANY($1) AND grace_period_ends_at IS NOT NULL AND grace_period_ends_at <= $2
		ORDER BY grace_period_ends_at, workspace_id
		LIMIT $3
	`, pq.Array([]string{string(billing.StatusPastDue), string(billing.StatusUnpaid)}), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired grace periods: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list expired grace periods: %w", err)
	}
	return ids, nil
}

// WithinWorkspaceTx runs fn in a transaction that holds the workspace row lock
func (s *Store) WithinWorkspaceTx(ctx context.Context, workspaceID string, fn func(ctx context.Context, tx billing.Tx) error) (err error) {
	ctx, span := startSpan(ctx, "Postgres.WithinWorkspaceTx", workspaceID)
	defer func() { endSpan(span, err) }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	ws, err := scanWorkspace(sqlTx.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1 FOR UPDATE`, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return workspaces.ErrWorkspaceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}

	if err := fn(ctx, &workspaceTx{tx: sqlTx, workspace: ws}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workspace transaction: %w", err)
	}
	return nil
}

// workspaceTx implements billing.Tx on an open transaction
type workspaceTx struct {
	tx        *sql.Tx
	workspace *workspaces.Workspace
}

func (t *workspaceTx) Workspace(context.Context) (*workspaces.Workspace, error) {
	cp := *t.workspace
	return &cp, nil
}

func (t *workspaceTx) Subscription(ctx context.Context) (*billing.Subscription, error) {
	sub, err := scanSubscription(t.tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE workspace_id = $1`, t.workspace.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (t *workspaceTx) SaveSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub.WorkspaceID != t.workspace.ID {
		return fmt.Errorf("subscription belongs to workspace %s, not %s", sub.WorkspaceID, t.workspace.ID)
	}

	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode subscription metadata: %w", err)
	}
	if sub.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (workspace_id, provider, external_id, status, plan, current_period_end,
			grace_period_ends_at, metadata, last_event_id, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workspace_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			external_id = EXCLUDED.external_id,
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			current_period_end = EXCLUDED.current_period_end,
			grace_period_ends_at = EXCLUDED.grace_period_ends_at,
			metadata = EXCLUDED.metadata,
			last_event_id = EXCLUDED.last_event_id,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
	`, sub.WorkspaceID, string(sub.Provider), sub.ExternalID, string(sub.Status), string(sub.Plan),
		nullTime(sub.CurrentPeriodEnd), nullTime(sub.GracePeriodEndsAt), metadata,
		sub.LastEventID, nullTime(sub.LastEventAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("external subscription %s already belongs to another workspace: %w", sub.ExternalID, workspaces.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (t *workspaceTx) SaveWorkspaceBilling(ctx context.Context, plan plans.Plan, graceEndsAt *time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE workspaces SET plan = $2, grace_period_ends_at = $3, updated_at = NOW() WHERE id = $1
	`, t.workspace.ID, string(plan), nullTime(graceEndsAt))
	if err != nil {
		return fmt.Errorf("failed to save workspace billing: %w", err)
	}
	t.workspace.Plan = plan
	t.workspace.GracePeriodEndsAt = graceEndsAt
	return nil
}

func (t *workspaceTx) MarkEventProcessed(ctx context.Context, provider billing.Provider, eventID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (provider, event_id, workspace_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, string(provider), eventID, t.workspace.ID)
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	return n == 1, nil
}
