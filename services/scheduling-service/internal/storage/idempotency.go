package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dentalops/clinicsched/libs/db"
)

// IdempotencyRecord stores the outcome of a booking request so retries with
// the same Idempotency-Key replay the original response instead of
// double-booking.
type IdempotencyRecord struct {
	Key             string
	AppointmentID   string
	StatusCode      int
	ResponsePayload []byte
}

type IdempotencyRepository struct {
	pool *db.Pool
}

func NewIdempotencyRepository(pool *db.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

// Find returns the stored record for key, if any.
func (r *IdempotencyRepository) Find(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	var responseText string
	err := r.pool.QueryRow(ctx, `
		SELECT idempotency_key,
			COALESCE(appointment_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE idempotency_key = $1
	`, key).Scan(&rec.Key, &rec.AppointmentID, &rec.StatusCode, &responseText)
	if errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, true, nil
}

// Save records the final response for key. The first writer wins; a concurrent
// duplicate insert is ignored so the original stored response stays intact.
func (r *IdempotencyRepository) Save(ctx context.Context, key, appointmentID string, statusCode int, response []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (idempotency_key, appointment_id, status_code, response_payload)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, appointmentID, statusCode, response)
	return err
}
