package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions in the remote store.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	// Update replaces the mutable fields of a position.
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// ListByStatus returns the user's positions whose status is one of
	// statuses. An empty userID lists every user.
	ListByStatus(ctx context.Context, userID string, statuses ...PositionStatus) ([]Position, error)
}

// ActionStore persists actions in the remote store.
//
// CompareAndSetStatus is the conditional write that provides cross-process
// exclusivity: it must succeed for exactly one caller when several race to
// move the same action out of from, and return ErrStatusConflict for the
// others.
type ActionStore interface {
	Create(ctx context.Context, action Action) error
	GetByID(ctx context.Context, id string) (Action, error)
	UpdateStatus(ctx context.Context, id string, status ActionStatus, errMsg string) error
	CompareAndSetStatus(ctx context.Context, id string, from, to ActionStatus) error
	ListByStatus(ctx context.Context, userID string, status ActionStatus) ([]Action, error)
}

// AccountStore persists account snapshots.
type AccountStore interface {
	Upsert(ctx context.Context, acct Account) error
	GetByID(ctx context.Context, id string) (Account, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ChangeFeed delivers remote-store change notifications filtered by owning
// user. Returned channels close when ctx is done.
type ChangeFeed interface {
	SubscribeActions(ctx context.Context, userID string) (<-chan Action, error)
	SubscribePositions(ctx context.Context, userID string) (<-chan Position, error)
}

// ChangePublisher emits change notifications after a successful write.
type ChangePublisher interface {
	PublishAction(ctx context.Context, action Action) error
	PublishPosition(ctx context.Context, pos Position) error
}
