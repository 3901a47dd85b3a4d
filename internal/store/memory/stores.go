package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	pub       domain.ChangePublisher
}

// NewPositionStore creates a PositionStore. pub may be nil.
func NewPositionStore(pub domain.ChangePublisher) *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position), pub: pub}
}

func (s *PositionStore) Create(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	if _, ok := s.positions[pos.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	s.positions[pos.ID] = pos.Clone()
	s.mu.Unlock()
	s.publish(ctx, pos)
	return nil
}

// Update replaces the stored position. A write whose status cannot be
// reached from the stored status is rejected with a *domain.TransitionError,
// matching the Postgres store.
func (s *PositionStore) Update(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	cur, ok := s.positions[pos.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: update position %s: %w", pos.ID, domain.ErrNotFound)
	}
	if !cur.Status.Reaches(pos.Status) {
		s.mu.Unlock()
		return fmt.Errorf("memory: update position %s: %w", pos.ID,
			&domain.TransitionError{Entity: "position", ID: pos.ID, From: string(cur.Status), To: string(pos.Status)})
	}
	s.positions[pos.ID] = pos.Clone()
	s.mu.Unlock()
	s.publish(ctx, pos)
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *PositionStore) ListByStatus(_ context.Context, userID string, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if userID != "" && p.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, p.Status) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PositionStore) publish(ctx context.Context, pos domain.Position) {
	if s.pub != nil {
		_ = s.pub.PublishPosition(ctx, pos)
	}
}

// ActionStore is an in-memory domain.ActionStore. Terminal statuses are
// immutable, matching the Postgres store.
type ActionStore struct {
	mu      sync.Mutex
	actions map[string]domain.Action
	pub     domain.ChangePublisher
	now     func() time.Time
}

// NewActionStore creates an ActionStore. pub may be nil.
func NewActionStore(pub domain.ChangePublisher) *ActionStore {
	return &ActionStore{actions: make(map[string]domain.Action), pub: pub, now: time.Now}
}

func (s *ActionStore) Create(ctx context.Context, a domain.Action) error {
	s.mu.Lock()
	if _, ok := s.actions[a.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: create action %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.now()
	}
	s.actions[a.ID] = a
	s.mu.Unlock()
	s.publish(ctx, a)
	return nil
}

func (s *ActionStore) GetByID(_ context.Context, id string) (domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return domain.Action{}, fmt.Errorf("memory: action %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *ActionStore) UpdateStatus(ctx context.Context, id string, status domain.ActionStatus, errMsg string) error {
	s.mu.Lock()
	a, ok := s.actions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: update action %s: %w", id, domain.ErrNotFound)
	}
	if a.Status == status && a.Error == errMsg {
		s.mu.Unlock()
		return nil
	}
	if a.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("memory: update action %s: %w", id,
			&domain.TransitionError{Entity: "action", ID: id, From: string(a.Status), To: string(status)})
	}
	a.Status = status
	a.Error = errMsg
	a.UpdatedAt = s.now()
	s.actions[id] = a
	s.mu.Unlock()
	s.publish(ctx, a)
	return nil
}

func (s *ActionStore) CompareAndSetStatus(ctx context.Context, id string, from, to domain.ActionStatus) error {
	s.mu.Lock()
	a, ok := s.actions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: cas action %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != from {
		s.mu.Unlock()
		return fmt.Errorf("memory: cas action %s: status is %s: %w", id, a.Status, domain.ErrStatusConflict)
	}
	a.Status = to
	a.UpdatedAt = s.now()
	s.actions[id] = a
	s.mu.Unlock()
	s.publish(ctx, a)
	return nil
}

func (s *ActionStore) ListByStatus(_ context.Context, userID string, status domain.ActionStatus) ([]domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Action
	for _, a := range s.actions {
		if userID != "" && a.UserID != userID {
			continue
		}
		if a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ActionStore) publish(ctx context.Context, a domain.Action) {
	if s.pub != nil {
		_ = s.pub.PublishAction(ctx, a)
	}
}

// AccountStore is an in-memory domain.AccountStore.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
}

func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]domain.Account)}
}

func (s *AccountStore) Upsert(_ context.Context, acct domain.Account) error {
	s.mu.Lock()
	s.accounts[acct.ID] = acct
	s.mu.Unlock()
	return nil
}

func (s *AccountStore) GetByID(_ context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("memory: account %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// AuditStore is an in-memory, append-only domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

// List returns entries oldest first, honouring Since/Until and pagination.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
