package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Upsert inserts or replaces an account snapshot. An older snapshot never
// overwrites a newer one.
func (s *AccountStore) Upsert(ctx context.Context, a domain.Account) error {
	const query = `
		INSERT INTO accounts (id, user_id, balance, equity, margin, free_margin, profit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (id) DO UPDATE SET
			user_id     = CASE WHEN EXCLUDED.user_id = '' THEN accounts.user_id ELSE EXCLUDED.user_id END,
			balance     = EXCLUDED.balance,
			equity      = EXCLUDED.equity,
			margin      = EXCLUDED.margin,
			free_margin = EXCLUDED.free_margin,
			profit      = EXCLUDED.profit,
			updated_at  = EXCLUDED.updated_at
		WHERE accounts.updated_at <= EXCLUDED.updated_at`

	var updatedAt any
	if !a.UpdatedAt.IsZero() {
		updatedAt = a.UpdatedAt
	}
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.UserID, a.Balance, a.Equity, a.Margin, a.FreeMargin, a.Profit, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert account %s: %w", a.ID, err)
	}
	return nil
}

// GetByID retrieves an account snapshot.
func (s *AccountStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	const query = `
		SELECT id, user_id, balance, equity, margin, free_margin, profit, updated_at
		FROM accounts WHERE id = $1`

	var a domain.Account
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.UserID, &a.Balance, &a.Equity, &a.Margin, &a.FreeMargin, &a.Profit, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("postgres: account %s: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}
