package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dentalops/clinicsched/libs/db"
	"github.com/dentalops/clinicsched/libs/eventx"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/audit"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/model"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/scheduling"
)

const appointmentColumns = `id, patient_id, provider_id, scheduled_at, duration_minutes,
	service_type, status, emergency_override, notes, has_feedback, created_at, updated_at`

// AppointmentRepository implements scheduling.Store on Postgres. The provider
// overlap invariant is held by the appointments_no_overlap exclusion
// constraint, so the conflict check and the insert/update are a single atomic
// operation under concurrent writers.
type AppointmentRepository struct {
	pool   *db.Pool
	outbox *eventx.OutboxRepository
	audit  *audit.Repository
}

func NewAppointmentRepository(pool *db.Pool, outboxRepo *eventx.OutboxRepository, auditRepo *audit.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outboxRepo, audit: auditRepo}
}

func (r *AppointmentRepository) Insert(ctx context.Context, appt model.Appointment, ch scheduling.Change) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO appointments
			(patient_id, provider_id, scheduled_at, duration_minutes, service_type, status, emergency_override, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, appt.PatientID, appt.ProviderID, appt.ScheduledAt, appt.DurationMinutes,
		appt.ServiceType, appt.Status, appt.EmergencyOverride, appt.Notes,
	).Scan(&appt.ID, &appt.CreatedAt, &appt.UpdatedAt)
	if err != nil {
		if isExclusionViolation(err) {
			return model.Appointment{}, fmt.Errorf("%w: provider %s already booked for this slot", scheduling.ErrSlotConflict, appt.ProviderID)
		}
		return model.Appointment{}, err
	}

	if err := r.recordChange(ctx, tx, "", appt, ch); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

func (r *AppointmentRepository) Transition(ctx context.Context, id string, decide func(model.Appointment) (model.Appointment, scheduling.Change, error)) (model.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	current, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, scheduling.ErrNotFound
		}
		return model.Appointment{}, err
	}

	updated, ch, err := decide(current)
	if err != nil {
		return model.Appointment{}, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_at = $2,
			status = $3,
			notes = $4,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, id, updated.ScheduledAt, updated.Status, updated.Notes).Scan(&updated.UpdatedAt)
	if err != nil {
		if isExclusionViolation(err) {
			return model.Appointment{}, fmt.Errorf("%w: provider %s already booked for this slot", scheduling.ErrSlotConflict, updated.ProviderID)
		}
		return model.Appointment{}, err
	}

	if err := r.recordChange(ctx, tx, current.Status, updated, ch); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return updated, nil
}

// recordChange writes the audit row and the outbox event in the transition's
// transaction. Downstream delivery is best-effort: once committed, the
// transition stands regardless of what happens to the event.
func (r *AppointmentRepository) recordChange(ctx context.Context, tx pgx.Tx, from model.Status, appt model.Appointment, ch scheduling.Change) error {
	if err := r.audit.Insert(ctx, tx, audit.Entry{
		AppointmentID: appt.ID,
		Action:        ch.Action,
		FromStatus:    string(from),
		ToStatus:      string(appt.Status),
		Reason:        ch.Reason,
	}); err != nil {
		return err
	}

	payload, err := lifecyclePayload(appt, ch)
	if err != nil {
		return err
	}
	return r.outbox.Insert(ctx, tx, eventx.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     ch.EventType,
		Payload:       payload,
	})
}

func lifecyclePayload(appt model.Appointment, ch scheduling.Change) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":             ch.EventType,
		"appointment_id":   appt.ID,
		"patient_id":       appt.PatientID,
		"provider_id":      appt.ProviderID,
		"scheduled_at":     appt.ScheduledAt.UTC().Format(time.RFC3339),
		"duration_minutes": appt.DurationMinutes,
		"service_type":     appt.ServiceType,
		"status":           appt.Status,
		"reason":           ch.Reason,
		"occurred_at":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, scheduling.ErrNotFound
	}
	return appt, err
}

// ListByProvider returns the provider's appointments inside [from, to),
// ordered by slot time ascending.
func (r *AppointmentRepository) ListByProvider(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
			AND scheduled_at >= $2
			AND scheduled_at < $3
		ORDER BY scheduled_at ASC
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// ListByPatient returns the patient's appointments most recent first, matching
// portal display conventions.
func (r *AppointmentRepository) ListByPatient(ctx context.Context, patientID string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY scheduled_at DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *AppointmentRepository) FindUpcoming(ctx context.Context, providerID string, asOf time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
			AND status = 'scheduled'
			AND scheduled_at >= $2
		ORDER BY scheduled_at ASC
	`, providerID, asOf)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// FindPendingFeedback lists completed appointments for which the feedback
// collaborator has not reported a submission yet.
func (r *AppointmentRepository) FindPendingFeedback(ctx context.Context, patientID string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
			AND status = 'completed'
			AND NOT has_feedback
		ORDER BY scheduled_at DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// ListActiveIntervals returns booked (scheduled or in-progress) appointments
// for the provider overlapping [from, to); cancellations and no-shows do not
// block slots.
func (r *AppointmentRepository) ListActiveIntervals(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
			AND status IN ('scheduled', 'in_progress')
			AND scheduled_at < $3
			AND scheduled_at + make_interval(mins => duration_minutes) > $2
		ORDER BY scheduled_at ASC
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// MarkFeedbackReceived flips the feedback flag; returns false when the id is
// unknown so the consumer can log and move on.
func (r *AppointmentRepository) MarkFeedbackReceived(ctx context.Context, appointmentID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET has_feedback = true,
			updated_at = now()
		WHERE id = $1 AND status = 'completed'
	`, appointmentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	err := row.Scan(
		&appt.ID,
		&appt.PatientID,
		&appt.ProviderID,
		&appt.ScheduledAt,
		&appt.DurationMinutes,
		&appt.ServiceType,
		&appt.Status,
		&appt.EmergencyOverride,
		&appt.Notes,
		&appt.HasFeedback,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	return appt, err
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}
