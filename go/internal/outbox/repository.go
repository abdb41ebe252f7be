package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads and marks outbox rows. Fetching locks the rows with
// SKIP LOCKED so multiple drains never double-publish.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an outbox repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Begin opens the transaction a drain runs inside.
func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// FetchUnsent returns up to limit unsent events, oldest first, locked
// for the duration of the transaction.
func (r *Repository) FetchUnsent(ctx context.Context, tx pgx.Tx, limit int) ([]OutboxEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, match_id, event_type, version, payload, created_at, sent_at
		FROM match_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.MatchID, &e.EventType, &e.Version, &e.Payload, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkSent stamps the given events as published.
func (r *Repository) MarkSent(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE match_outbox SET sent_at = now() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark outbox events sent: %w", err)
	}
	return nil
}
