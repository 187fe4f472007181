// Package jobs owns the reminder_jobs table: one row per reminder that should
// go out before an appointment. Rows are planned when a booking event arrives
// and drained by the worker once due.
package jobs

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	otelx "github.com/dentalops/clinicsched/libs/otel"
)

type Job struct {
	ID             int64
	IdempotencyKey string
	AppointmentID  string
	PatientID      string
	ProviderID     string
	ServiceType    string
	ScheduledAt    time.Time
	RemindAt       time.Time
	Traceparent    string
	Tracestate     string
	Attempts       int
	MaxAttempts    int
	NextRunAt      time.Time
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert enqueues the reminder. The idempotency key makes redelivered booking
// events a no-op.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, job Job) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO reminder_jobs (idempotency_key, appointment_id, patient_id, provider_id, service_type, scheduled_at, remind_at, next_run_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, job.IdempotencyKey, job.AppointmentID, job.PatientID, job.ProviderID, job.ServiceType, job.ScheduledAt, job.RemindAt, traceparent, tracestate)
	return err
}

func (r *Repository) FetchDue(ctx context.Context, tx pgx.Tx, limit int) ([]Job, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, idempotency_key, appointment_id, patient_id, provider_id, service_type, scheduled_at, remind_at, traceparent, tracestate, attempts, max_attempts, next_run_at
		FROM reminder_jobs
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.IdempotencyKey, &j.AppointmentID, &j.PatientID, &j.ProviderID, &j.ServiceType, &j.ScheduledAt, &j.RemindAt, &j.Traceparent, &j.Tracestate, &j.Attempts, &j.MaxAttempts, &j.NextRunAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE reminder_jobs
		SET status = 'processed', updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, attempts int, maxAttempts int, nextRunAt time.Time, lastError string) error {
	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
	}
	_, err := tx.Exec(ctx, `
		UPDATE reminder_jobs
		SET attempts = $2,
		    status = $3,
		    next_run_at = $4,
		    last_error = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, status, nextRunAt, lastError)
	return err
}

// CancelPending retires every not-yet-sent reminder for the appointment.
// Called on cancellation and before re-planning after a reschedule.
func (r *Repository) CancelPending(ctx context.Context, tx pgx.Tx, appointmentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE reminder_jobs
		SET status = 'cancelled', updated_at = now()
		WHERE appointment_id = $1 AND status = 'pending'
	`, appointmentID)
	return err
}
