package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// StoreDeliverer writes queue items to the remote store.
type StoreDeliverer struct {
	positions domain.PositionStore
	actions   domain.ActionStore
	accounts  domain.AccountStore
	audit     domain.AuditStore
}

// NewStoreDeliverer creates a StoreDeliverer. audit may be nil.
func NewStoreDeliverer(positions domain.PositionStore, actions domain.ActionStore, accounts domain.AccountStore, audit domain.AuditStore) *StoreDeliverer {
	return &StoreDeliverer{positions: positions, actions: actions, accounts: accounts, audit: audit}
}

// Deliver dispatches on the payload type. Unknown payloads and records the
// store rejects as malformed are permanent failures.
func (d *StoreDeliverer) Deliver(ctx context.Context, item Item) error {
	var err error
	switch p := item.Payload.(type) {
	case domain.Position:
		err = d.positions.Update(ctx, p)
		if errors.Is(err, domain.ErrNotFound) {
			err = d.positions.Create(ctx, p)
		}
	case ActionStatusChange:
		err = d.actions.UpdateStatus(ctx, p.ActionID, p.Status, p.Error)
	case domain.Account:
		err = d.accounts.Upsert(ctx, p)
	case AuditRecord:
		if d.audit == nil {
			return nil
		}
		err = d.audit.Log(ctx, p.Event, p.Detail)
	default:
		return Permanent(fmt.Errorf("delivery: unsupported payload %T for kind %s", item.Payload, item.Kind))
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrMalformedRecord) || errors.Is(err, domain.ErrInvalidTransition) {
		return Permanent(fmt.Errorf("delivery: %s %s: %w", item.Kind, item.Key, err))
	}
	return fmt.Errorf("delivery: %s %s: %w", item.Kind, item.Key, err)
}
