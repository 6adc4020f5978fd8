package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

type externalKey struct {
	provider   billing.Provider
	externalID string
}

type eventKey struct {
	provider billing.Provider
	eventID  string
}

// Store keeps workspaces, subscriptions and quota-limited resources in memory
type Store struct {
	mu         sync.Mutex
	workspaces map[string]*workspaces.Workspace
	subs       map[string]*billing.Subscription
	byExternal map[externalKey]string
	events     map[eventKey]time.Time
	resources  map[string]map[workspaces.Resource]map[string]workspaces.ResourceRecord
	locks      map[string]*sync.Mutex
	now        func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		workspaces: map[string]*workspaces.Workspace{},
		subs:       map[string]*billing.Subscription{},
		byExternal: map[externalKey]string{},
		events:     map[eventKey]time.Time{},
		resources:  map[string]map[workspaces.Resource]map[string]workspaces.ResourceRecord{},
		locks:      map[string]*sync.Mutex{},
		now:        time.Now,
	}
}

var (
	_ billing.Store    = (*Store)(nil)
	_ workspaces.Store = (*Store)(nil)
)

// PutWorkspace creates or replaces a workspace
func (s *Store) PutWorkspace(ws *workspaces.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(ws)
}

func (s *Store) putLocked(ws *workspaces.Workspace) {
	cp := copyWorkspace(ws)
	if cp.Plan == "" {
		cp.Plan = plans.Free
	}
	s.workspaces[ws.ID] = cp
}

// CreateWorkspace creates a workspace
func (s *Store) CreateWorkspace(_ context.Context, ws *workspaces.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workspaces[ws.ID]; exists {
		return fmt.Errorf("workspace %s: %w", ws.ID, workspaces.ErrAlreadyExists)
	}
	now := s.now()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	if ws.Plan == "" {
		ws.Plan = plans.Free
	}
	s.putLocked(ws)
	return nil
}

// GetWorkspace returns a copy of the workspace
func (s *Store) GetWorkspace(_ context.Context, id string) (*workspaces.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, workspaces.ErrWorkspaceNotFound
	}
	return copyWorkspace(ws), nil
}

// RollOverMonth resets the generation counter when bucket is newer
func (s *Store) RollOverMonth(_ context.Context, id, bucket string) (*workspaces.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, workspaces.ErrWorkspaceNotFound
	}
	if ws.MonthBucket != bucket {
		ws.MonthBucket = bucket
		ws.AIGenerationsUsed = 0
		ws.UpdatedAt = s.now()
	}
	return copyWorkspace(ws), nil
}

// IncrementGenerations adds one generation if plan matches and usage is below limit
func (s *Store) IncrementGenerations(_ context.Context, id, bucket string, plan plans.Plan, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return 0, false, nil
	}
	used := ws.AIGenerationsUsed
	if ws.MonthBucket != bucket {
		used = 0
	}
	if ws.Plan != plan || used >= limit {
		return used, false, nil
	}
	ws.MonthBucket = bucket
	ws.AIGenerationsUsed = used + 1
	ws.UpdatedAt = s.now()
	return ws.AIGenerationsUsed, true, nil
}

// DecrementGenerations removes one generation from bucket, floored at zero
func (s *Store) DecrementGenerations(_ context.Context, id, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return workspaces.ErrWorkspaceNotFound
	}
	if ws.MonthBucket == bucket && ws.AIGenerationsUsed > 0 {
		ws.AIGenerationsUsed--
		ws.UpdatedAt = s.now()
	}
	return nil
}

// CountResources returns how many resources of res the workspace owns
func (s *Store) CountResources(_ context.Context, id string, res workspaces.Resource) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return 0, workspaces.ErrWorkspaceNotFound
	}
	return int64(len(s.resources[id][res])), nil
}

// InsertResourceIfBelow inserts rec when the count is below the plan limit
func (s *Store) InsertResourceIfBelow(_ context.Context, res workspaces.Resource, rec workspaces.ResourceRecord,
	limit func(plans.Plan) int64) (*workspaces.ResourceOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[rec.WorkspaceID]
	if !ok {
		return nil, workspaces.ErrWorkspaceNotFound
	}

	byRes := s.resources[rec.WorkspaceID]
	if byRes == nil {
		byRes = map[workspaces.Resource]map[string]workspaces.ResourceRecord{}
		s.resources[rec.WorkspaceID] = byRes
	}
	rows := byRes[res]
	if rows == nil {
		rows = map[string]workspaces.ResourceRecord{}
		byRes[res] = rows
	}
	if _, dup := rows[rec.ID]; dup {
		return nil, fmt.Errorf("%s %s: %w", res, rec.ID, workspaces.ErrAlreadyExists)
	}

	out := &workspaces.ResourceOutcome{
		Plan:  ws.Plan,
		Count: int64(len(rows)),
		Limit: limit(ws.Plan),
	}
	if out.Count >= out.Limit {
		return out, nil
	}
	rows[rec.ID] = rec
	out.Count++
	out.Inserted = true
	return out, nil
}

// FindWorkspaceByExternalID resolves a provider subscription id
func (s *Store) FindWorkspaceByExternalID(_ context.Context, provider billing.Provider, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalKey{provider, externalID}]
	if !ok {
		return "", billing.ErrSubscriptionNotFound
	}
	return id, nil
}

// ListExpiredGrace returns workspaces with an expired grace period, oldest first
func (s *Store) ListExpiredGrace(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type due struct {
		id string
		at time.Time
	}
	var expired []due
	for id, sub := range s.subs {
		if sub.Status.InGrace() && sub.GracePeriodEndsAt != nil && !sub.GracePeriodEndsAt.After(now) {
			expired = append(expired, due{id, *sub.GracePeriodEndsAt})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].at.Equal(expired[j].at) {
			return expired[i].id < expired[j].id
		}
		return expired[i].at.Before(expired[j].at)
	})

	ids := make([]string, 0, len(expired))
	for _, d := range expired {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, d.id)
	}
	return ids, nil
}

// Subscription returns a copy of the workspace subscription, or nil
func (s *Store) Subscription(workspaceID string) *billing.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySubscription(s.subs[workspaceID])
}

func (s *Store) workspaceLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// WithinWorkspaceTx serializes fn per workspace and commits its writes atomically
func (s *Store) WithinWorkspaceTx(ctx context.Context, workspaceID string, fn func(ctx context.Context, tx billing.Tx) error) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		s.mu.Unlock()
		return workspaces.ErrWorkspaceNotFound
	}
	t := &tx{
		store:     s,
		workspace: copyWorkspace(ws),
		sub:       copySubscription(s.subs[workspaceID]),
		events:    map[eventKey]bool{},
	}
	s.mu.Unlock()

	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(t)
}

// commit applies the writes of t, or none of them when another workspace
// claimed the same external subscription after t checked it
func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	id := t.workspace.ID
	if t.subDirty {
		if owner, taken := s.byExternal[externalKey{t.sub.Provider, t.sub.ExternalID}]; taken && owner != id {
			return externalConflict(t.sub.ExternalID, owner)
		}
	}
	if t.billingDirty {
		ws := s.workspaces[id]
		ws.Plan = t.workspace.Plan
		ws.GracePeriodEndsAt = copyTime(t.workspace.GracePeriodEndsAt)
		ws.UpdatedAt = now
	}
	if t.subDirty {
		if prev := s.subs[id]; prev != nil {
			delete(s.byExternal, externalKey{prev.Provider, prev.ExternalID})
		}
		s.subs[id] = copySubscription(t.sub)
		s.byExternal[externalKey{t.sub.Provider, t.sub.ExternalID}] = id
	}
	for k := range t.events {
		s.events[k] = now
	}
	return nil
}

type tx struct {
	store        *Store
	workspace    *workspaces.Workspace
	sub          *billing.Subscription
	events       map[eventKey]bool
	billingDirty bool
	subDirty     bool
}

func (t *tx) Workspace(context.Context) (*workspaces.Workspace, error) {
	return copyWorkspace(t.workspace), nil
}

func (t *tx) Subscription(context.Context) (*billing.Subscription, error) {
	return copySubscription(t.sub), nil
}

func (t *tx) SaveSubscription(_ context.Context, sub *billing.Subscription) error {
	if sub.WorkspaceID != t.workspace.ID {
		return fmt.Errorf("subscription belongs to workspace %s, not %s", sub.WorkspaceID, t.workspace.ID)
	}
	t.store.mu.Lock()
	owner, taken := t.store.byExternal[externalKey{sub.Provider, sub.ExternalID}]
	t.store.mu.Unlock()
	if taken && owner != t.workspace.ID {
		return externalConflict(sub.ExternalID, owner)
	}
	t.sub = copySubscription(sub)
	t.subDirty = true
	return nil
}

func (t *tx) SaveWorkspaceBilling(_ context.Context, plan plans.Plan, graceEndsAt *time.Time) error {
	t.workspace.Plan = plan
	t.workspace.GracePeriodEndsAt = copyTime(graceEndsAt)
	t.billingDirty = true
	return nil
}

func (t *tx) MarkEventProcessed(_ context.Context, provider billing.Provider, eventID string) (bool, error) {
	k := eventKey{provider, eventID}
	if t.events[k] {
		return false, nil
	}
	t.store.mu.Lock()
	_, seen := t.store.events[k]
	t.store.mu.Unlock()
	if seen {
		return false, nil
	}
	t.events[k] = true
	return true, nil
}

func externalConflict(externalID, owner string) error {
	return fmt.Errorf("external subscription %s already belongs to workspace %s: %w", externalID, owner, workspaces.ErrAlreadyExists)
}

func copyWorkspace(ws *workspaces.Workspace) *workspaces.Workspace {
	if ws == nil {
		return nil
	}
	cp := *ws
	cp.GracePeriodEndsAt = copyTime(ws.GracePeriodEndsAt)
	return &cp
}

func copySubscription(sub *billing.Subscription) *billing.Subscription {
	if sub == nil {
		return nil
	}
	cp := *sub
	cp.CurrentPeriodEnd = copyTime(sub.CurrentPeriodEnd)
	cp.GracePeriodEndsAt = copyTime(sub.GracePeriodEndsAt)
	cp.LastEventAt = copyTime(sub.LastEventAt)
	if sub.Metadata != nil {
		cp.Metadata = make(map[string]any, len(sub.Metadata))
		for k, v := range sub.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
