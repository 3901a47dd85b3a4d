package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
	pub  domain.ChangePublisher
}

// NewPositionStore creates a new PositionStore backed by the given connection
// pool. pub, when non-nil, is told about every written row.
func NewPositionStore(pool *pgxpool.Pool, pub domain.ChangePublisher) *PositionStore {
	return &PositionStore{pool: pool, pub: pub}
}

// published announces a written row unless it failed validation on the way
// back; the write itself still stands.
func (s *PositionStore) published(ctx context.Context, p domain.Position, scanErr error) {
	if s.pub != nil && scanErr == nil {
		_ = s.pub.PublishPosition(ctx, p)
	}
}

const positionSelectCols = `id, user_id, account_id, symbol, volume,
	entry_price, exit_price, profit, trail_width, trigger_action_ids,
	status, mt_ticket, created_at, updated_at`

// scanPosition reads one row into a position. Rows that fail domain
// validation return a *domain.RecordError.
func scanPosition(row pgx.Row) (domain.Position, error) {
	var rec domain.PositionRecord
	var triggers []byte
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.AccountID, &rec.Symbol, &rec.Volume,
		&rec.EntryPrice, &rec.ExitPrice, &rec.Profit, &rec.TrailWidth, &triggers,
		&rec.Status, &rec.MTTicket, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	rec.TriggerActionIDs = triggers
	return rec.ToPosition()
}

func encodeTriggers(ids []string) ([]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return json.Marshal(ids)
}

func statusNames(statuses []domain.PositionStatus) []string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return names
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	triggers, err := encodeTriggers(p.TriggerActionIDs)
	if err != nil {
		return fmt.Errorf("postgres: encode triggers for %s: %w", p.ID, err)
	}

	query := `
		INSERT INTO positions (
			id, user_id, account_id, symbol, volume,
			entry_price, exit_price, profit, trail_width, trigger_action_ids,
			status, mt_ticket, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, COALESCE($13, NOW()), NOW()
		) RETURNING ` + positionSelectCols

	var createdAt any
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt
	}
	row, err := scanPosition(s.pool.QueryRow(ctx, query,
		p.ID, p.UserID, p.AccountID, p.Symbol, p.Volume,
		p.EntryPrice, p.ExitPrice, p.Profit, p.TrailWidth, triggers,
		string(p.Status), p.MTTicket, createdAt,
	))
	if err != nil && !errors.Is(err, domain.ErrMalformedRecord) {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	s.published(ctx, row, err)
	return nil
}

// Update replaces all mutable fields of a position. The row is only written
// while its stored status can still reach the new one, so a late snapshot
// never moves a position backwards or out of a terminal state.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	triggers, err := encodeTriggers(p.TriggerActionIDs)
	if err != nil {
		return fmt.Errorf("postgres: encode triggers for %s: %w", p.ID, err)
	}

	query := `
		UPDATE positions SET
			account_id         = $2,
			symbol             = $3,
			volume             = $4,
			entry_price        = $5,
			exit_price         = $6,
			profit             = $7,
			trail_width        = $8,
			trigger_action_ids = $9,
			status             = $10,
			mt_ticket          = $11,
			updated_at         = NOW()
		WHERE id = $1
		  AND status = ANY($12::text[])
		RETURNING ` + positionSelectCols

	row, err := scanPosition(s.pool.QueryRow(ctx, query,
		p.ID, p.AccountID, p.Symbol, p.Volume,
		p.EntryPrice, p.ExitPrice, p.Profit,
		p.TrailWidth, triggers,
		string(p.Status), p.MTTicket, statusNames(p.Status.Predecessors()),
	))
	if err != nil && !errors.Is(err, domain.ErrMalformedRecord) {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
		}
		cur, getErr := s.GetByID(ctx, p.ID)
		if getErr != nil {
			return fmt.Errorf("postgres: update position %s: %w", p.ID, getErr)
		}
		return fmt.Errorf("postgres: update position %s: %w", p.ID,
			&domain.TransitionError{Entity: "position", ID: p.ID, From: string(cur.Status), To: string(p.Status)})
	}
	s.published(ctx, row, err)
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByStatus returns the user's positions in any of the given statuses,
// oldest first. Rows that fail validation are skipped and reported through
// the returned error only when nothing valid was read.
func (s *PositionStore) ListByStatus(ctx context.Context, userID string, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE ($1 = '' OR user_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, userID, statusNames(statuses))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var (
		positions []domain.Position
		bad       error
	)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedRecord) {
				bad = err
				continue
			}
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	if len(positions) == 0 && bad != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", bad)
	}
	return positions, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
