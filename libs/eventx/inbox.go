package eventx

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dentalops/clinicsched/libs/db"
)

type InboxRepository struct {
	pool *db.Pool
}

func NewInboxRepository(pool *db.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

// Record returns false when the event was already seen (unique violation on
// event_id), making consumer handlers idempotent.
func (r *InboxRepository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, err
}
