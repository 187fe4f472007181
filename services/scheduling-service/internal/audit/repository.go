// Package audit keeps an append-only trail of appointment transitions.
// Records are never deleted; cancellation shows up here as a status change,
// which is what the compliance reports read.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dentalops/clinicsched/libs/db"
)

type Entry struct {
	AppointmentID string
	Action        string
	FromStatus    string
	ToStatus      string
	Reason        string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes the entry inside the caller's transaction so the trail commits
// atomically with the transition it describes.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, e Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_audit (appointment_id, action, from_status, to_status, reason)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''))
	`, e.AppointmentID, e.Action, e.FromStatus, e.ToStatus, e.Reason)
	return err
}

type Record struct {
	ID            int64  `json:"id"`
	AppointmentID string `json:"appointment_id"`
	Action        string `json:"action"`
	FromStatus    string `json:"from_status,omitempty"`
	ToStatus      string `json:"to_status"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// ListByAppointment returns the appointment's full history, oldest first.
func (r *Repository) ListByAppointment(ctx context.Context, appointmentID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, action, COALESCE(from_status, ''), to_status, COALESCE(reason, ''), created_at
		FROM appointment_audit
		WHERE appointment_id = $1
		ORDER BY id ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt time.Time
		if err := rows.Scan(&rec.ID, &rec.AppointmentID, &rec.Action, &rec.FromStatus, &rec.ToStatus, &rec.Reason, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}
