package executor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// Enqueuer accepts outbound state changes for durable delivery.
type Enqueuer interface {
	Enqueue(item delivery.Item) (string, error)
}

// PositionBook is the local mirror of positions. Transitions are validated
// and applied here first, then written to the remote store through the
// delivery queue.
type PositionBook struct {
	store  domain.PositionStore
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionBook creates an empty book backed by store.
func NewPositionBook(store domain.PositionStore, queue Enqueuer, logger *slog.Logger) *PositionBook {
	return &PositionBook{
		store:     store,
		queue:     queue,
		logger:    logger.With(slog.String("component", "position_book")),
		now:       time.Now,
		positions: make(map[string]domain.Position),
	}
}

// SetClock replaces the time source.
func (b *PositionBook) SetClock(now func() time.Time) { b.now = now }

// Load seeds the book with the user's non-terminal positions.
func (b *PositionBook) Load(ctx context.Context, userID string) (int, error) {
	list, err := b.store.ListByStatus(ctx, userID,
		domain.PositionPending, domain.PositionOpening, domain.PositionOpen, domain.PositionClosing)
	if err != nil {
		return 0, fmt.Errorf("executor: load positions: %w", err)
	}
	b.mu.Lock()
	for _, p := range list {
		b.positions[p.ID] = p.Clone()
	}
	b.mu.Unlock()
	return len(list), nil
}

// Get returns the position, fetching it from the store on a miss.
func (b *PositionBook) Get(ctx context.Context, id string) (domain.Position, error) {
	b.mu.RLock()
	p, ok := b.positions[id]
	b.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}

	p, err := b.store.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: resolve position %s: %w", id, err)
	}
	b.mu.Lock()
	if cur, ok := b.positions[id]; ok {
		p = cur
	} else {
		b.positions[id] = p.Clone()
	}
	b.mu.Unlock()
	return p.Clone(), nil
}

// Put applies a snapshot from the remote store or reconciliation. A snapshot
// must carry the current status or one reachable from it; a same-status
// snapshot must also be no older than the book's copy. It reports whether
// the snapshot was taken.
func (b *PositionBook) Put(p domain.Position) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.positions[p.ID]; ok {
		if !cur.Status.Reaches(p.Status) {
			b.logger.Debug("stale position snapshot ignored",
				slog.String("position_id", p.ID),
				slog.String("status", string(cur.Status)),
				slog.String("snapshot_status", string(p.Status)),
			)
			return false
		}
		if p.Status == cur.Status && p.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}
	}
	b.positions[p.ID] = p.Clone()
	return true
}

// Transition moves a position to the given status, applies mutate to the
// result and enqueues the durable write. mutate may be nil.
func (b *PositionBook) Transition(ctx context.Context, id string, to domain.PositionStatus, mutate func(*domain.Position)) (domain.Position, error) {
	if _, err := b.Get(ctx, id); err != nil {
		return domain.Position{}, err
	}

	b.mu.Lock()
	p := b.positions[id].Clone()
	if err := p.Transition(to, b.now().UTC()); err != nil {
		b.mu.Unlock()
		return domain.Position{}, fmt.Errorf("executor: %w", err)
	}
	if mutate != nil {
		mutate(&p)
	}
	b.positions[id] = p.Clone()
	b.mu.Unlock()

	b.logger.Info("position transitioned",
		slog.String("position_id", id),
		slog.String("status", string(to)),
	)
	b.persist(p)
	return p, nil
}

func (b *PositionBook) persist(p domain.Position) {
	if b.queue == nil {
		return
	}
	_, err := b.queue.Enqueue(delivery.Item{
		Kind:     delivery.KindPositionUpdate,
		Key:      p.ID,
		Payload:  p.Clone(),
		Priority: delivery.PriorityNormal,
	})
	if err != nil {
		b.logger.Error("position write not queued",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

// List returns positions whose status is one of statuses (all when empty),
// oldest first.
func (b *PositionBook) List(statuses ...domain.PositionStatus) []domain.Position {
	b.mu.RLock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if len(statuses) > 0 && !slices.Contains(statuses, p.Status) {
			continue
		}
		out = append(out, p.Clone())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune drops terminal positions last updated before cutoff.
func (b *PositionBook) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, p := range b.positions {
		if p.Status.IsTerminal() && p.UpdatedAt.Before(cutoff) {
			delete(b.positions, id)
			n++
		}
	}
	return n
}
