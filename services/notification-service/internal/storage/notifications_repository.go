package storage

import (
	"context"

	"github.com/dentalops/clinicsched/libs/db"
)

// Notification is one delivery attempt, kept for the audit trail and the
// delivery dashboards. A failed send still gets a row.
type Notification struct {
	AppointmentID string
	PatientID     string
	Kind          string
	Channel       string
	Recipient     string
	Body          string
	Status        string
	FailureReason string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (appointment_id, patient_id, kind, channel, recipient, body, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`, n.AppointmentID, n.PatientID, n.Kind, n.Channel, n.Recipient, n.Body, n.Status, n.FailureReason)
	return err
}
