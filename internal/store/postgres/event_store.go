package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recurswap/keeperd/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Detail payloads
// are stored as JSONB.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ domain.EventStore = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventSelectCols = `id, event_type, position_id, detail, occurred_at`

func scanEventRows(rows pgx.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var (
			evt domain.Event
			id  int64
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &id, &evt.Detail, &evt.At); err != nil {
			return nil, err
		}
		evt.PositionID = domain.PositionID(id)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Append inserts one telemetry record.
func (s *EventStore) Append(ctx context.Context, evt domain.Event) error {
	const query = `
		INSERT INTO events (id, event_type, position_id, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		evt.ID, evt.Type, int64(evt.PositionID), evt.Detail, evt.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", evt.ID, err)
	}
	return nil
}

// List returns events newest first with pagination.
func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM events ORDER BY occurred_at DESC, id`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

// ListByPosition returns one position's events newest first with pagination.
func (s *EventStore) ListByPosition(ctx context.Context, id domain.PositionID, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM events
		WHERE position_id = $1 ORDER BY occurred_at DESC, id`
	args := []any{int64(id)}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for position %d: %w", id, err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events for position %d: %w", id, err)
	}
	return events, nil
}

// ListBefore returns events recorded strictly before the cutoff, oldest
// first, for the cold-storage archiver.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM events
		 WHERE occurred_at < $1 ORDER BY occurred_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before cutoff: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events before cutoff: %w", err)
	}
	return events, nil
}

// DeleteBefore removes archived events older than the cutoff and returns the
// number deleted.
func (s *EventStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}
