// Package delivery implements the prioritised retry queue that carries local
// state changes to the remote store.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// Kind labels what an item carries.
type Kind string

const (
	KindPositionUpdate Kind = "position_update"
	KindActionStatus   Kind = "action_status"
	KindAccountUpsert  Kind = "account_upsert"
	KindAudit          Kind = "audit"
)

// snapshot reports whether an item of this kind carries the full state of
// its entity, so a later item for the same key makes an earlier one obsolete.
func (k Kind) snapshot() bool {
	switch k {
	case KindPositionUpdate, KindActionStatus, KindAccountUpsert:
		return true
	}
	return false
}

// Priorities used by the coordinator. Any int is accepted; larger runs first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// ActionStatusChange is the payload for KindActionStatus items.
type ActionStatusChange struct {
	ActionID string
	Status   domain.ActionStatus
	Error    string
}

// AuditRecord is the payload for KindAudit items.
type AuditRecord struct {
	Event  string
	Detail map[string]any
}

// Item is one unit of outbound work.
type Item struct {
	ID       string
	Kind     Kind
	Key      string // entity the item concerns; orders items of the same kind
	Payload  any
	Priority int

	RetryCount    int
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string

	seq   uint64
	index int
}

// lane is the ordering key shared by items that write the same entity.
func (it *Item) lane() string {
	if it.Key == "" {
		return ""
	}
	return string(it.Kind) + "/" + it.Key
}

// DeadItem is an item that exhausted its retries.
type DeadItem struct {
	Item
	DeadAt time.Time
	Reason string
}

// Deliverer performs one delivery attempt.
type Deliverer interface {
	Deliver(ctx context.Context, item Item) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, item Item) error

func (f DeliverFunc) Deliver(ctx context.Context, item Item) error { return f(ctx, item) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The queue moves the item to the
// dead-letter set immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
