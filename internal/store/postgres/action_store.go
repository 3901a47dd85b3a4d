package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// ActionStore implements domain.ActionStore using PostgreSQL. Status writes
// never leave a terminal status; the WHERE clauses enforce it in the
// database so concurrent processes see the same rule.
type ActionStore struct {
	pool *pgxpool.Pool
	pub  domain.ChangePublisher
}

// NewActionStore creates a new ActionStore backed by the given connection
// pool. pub may be nil.
func NewActionStore(pool *pgxpool.Pool, pub domain.ChangePublisher) *ActionStore {
	return &ActionStore{pool: pool, pub: pub}
}

// published announces a written row. A row that was written but fails
// validation on the way back (scanErr) is not announced; the write itself
// still stands.
func (s *ActionStore) published(ctx context.Context, a domain.Action, scanErr error) {
	if s.pub != nil && scanErr == nil {
		_ = s.pub.PublishAction(ctx, a)
	}
}

const actionSelectCols = `id, user_id, account_id, position_id, trigger_position_id,
	type, status, error, created_at, updated_at`

func scanAction(row pgx.Row) (domain.Action, error) {
	var rec domain.ActionRecord
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.AccountID, &rec.PositionID, &rec.TriggerPositionID,
		&rec.Type, &rec.Status, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.Action{}, err
	}
	return rec.ToAction()
}

// Create inserts a new action.
func (s *ActionStore) Create(ctx context.Context, a domain.Action) error {
	query := `
		INSERT INTO actions (
			id, user_id, account_id, position_id, trigger_position_id,
			type, status, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), NOW())
		RETURNING ` + actionSelectCols

	var createdAt any
	if !a.CreatedAt.IsZero() {
		createdAt = a.CreatedAt
	}
	row, err := scanAction(s.pool.QueryRow(ctx, query,
		a.ID, a.UserID, a.AccountID, a.PositionID, a.TriggerPositionID,
		string(a.Type), string(a.Status), a.Error, createdAt,
	))
	if err != nil && !errors.Is(err, domain.ErrMalformedRecord) {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create action %s: %w", a.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create action %s: %w", a.ID, err)
	}
	s.published(ctx, row, err)
	return nil
}

// GetByID retrieves a single action by its ID.
func (s *ActionStore) GetByID(ctx context.Context, id string) (domain.Action, error) {
	query := `SELECT ` + actionSelectCols + ` FROM actions WHERE id = $1`

	a, err := scanAction(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Action{}, fmt.Errorf("postgres: action %s: %w", id, domain.ErrNotFound)
		}
		return domain.Action{}, fmt.Errorf("postgres: get action %s: %w", id, err)
	}
	return a, nil
}

// UpdateStatus writes status and error text. Repeating the current values is
// a no-op; moving out of EXECUTED or FAILED is rejected.
func (s *ActionStore) UpdateStatus(ctx context.Context, id string, status domain.ActionStatus, errMsg string) error {
	query := `
		UPDATE actions SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('EXECUTED', 'FAILED')
		  AND (status <> $2 OR error <> $3)
		RETURNING ` + actionSelectCols

	row, err := scanAction(s.pool.QueryRow(ctx, query, id, string(status), errMsg))
	if err == nil || errors.Is(err, domain.ErrMalformedRecord) {
		s.published(ctx, row, err)
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: update action %s: %w", id, err)
	}

	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("postgres: update action %s: %w", id, err)
	}
	if cur.Status == status && cur.Error == errMsg {
		return nil
	}
	return fmt.Errorf("postgres: update action %s: %w", id,
		&domain.TransitionError{Entity: "action", ID: id, From: string(cur.Status), To: string(status)})
}

// CompareAndSetStatus moves the action from one status to another in a single
// conditional UPDATE. Exactly one of several concurrent callers succeeds.
func (s *ActionStore) CompareAndSetStatus(ctx context.Context, id string, from, to domain.ActionStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("postgres: cas action %s: %w", id,
			&domain.TransitionError{Entity: "action", ID: id, From: string(from), To: string(to)})
	}

	query := `
		UPDATE actions SET status = $3, error = '', updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + actionSelectCols

	row, err := scanAction(s.pool.QueryRow(ctx, query, id, string(from), string(to)))
	if err == nil || errors.Is(err, domain.ErrMalformedRecord) {
		s.published(ctx, row, err)
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: cas action %s: %w", id, err)
	}

	if _, err := s.GetByID(ctx, id); err != nil {
		return fmt.Errorf("postgres: cas action %s: %w", id, err)
	}
	return fmt.Errorf("postgres: cas action %s: %w", id, domain.ErrStatusConflict)
}

// ListByStatus returns the user's actions in the given status, oldest first.
func (s *ActionStore) ListByStatus(ctx context.Context, userID string, status domain.ActionStatus) ([]domain.Action, error) {
	query := `SELECT ` + actionSelectCols + ` FROM actions
		WHERE ($1 = '' OR user_id = $1) AND status = $2
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions: %w", err)
	}
	defer rows.Close()

	var actions []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedRecord) {
				continue
			}
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list actions rows: %w", err)
	}
	return actions, nil
}

var _ domain.ActionStore = (*ActionStore)(nil)
