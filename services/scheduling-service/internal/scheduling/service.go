// Package scheduling applies appointment lifecycle transitions. All decisions
// (state machine, validation, time guards) live here; the Store implementation
// is responsible for making each decision atomic against concurrent writers.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dentalops/clinicsched/services/scheduling-service/internal/model"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("appointment not found")
	ErrSlotConflict      = errors.New("slot conflict")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Change describes a committed transition so the store can write the audit row
// and the outbox event in the same transaction as the state change.
type Change struct {
	EventType string // Kafka topic, e.g. "appointment.cancelled.v1"
	Action    string // audit verb, e.g. "cancel"
	Reason    string
}

const (
	EventScheduled   = "appointment.scheduled.v1"
	EventRescheduled = "appointment.rescheduled.v1"
	EventCheckedIn   = "appointment.checked_in.v1"
	EventCompleted   = "appointment.completed.v1"
	EventCancelled   = "appointment.cancelled.v1"
	EventNoShow      = "appointment.no_show.v1"
)

// Store persists appointments. Insert must fail with ErrSlotConflict when the
// provider already has an active booking overlapping the new slot (enforced by
// the storage layer, not an in-memory scan). Transition must load the current
// record under a write lock, apply decide, and persist the result atomically;
// it fails with ErrNotFound for unknown ids and propagates decide's error
// unchanged.
type Store interface {
	Insert(ctx context.Context, appt model.Appointment, ch Change) (model.Appointment, error)
	Transition(ctx context.Context, id string, decide func(model.Appointment) (model.Appointment, Change, error)) (model.Appointment, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// NewServiceWithClock is used by tests to pin the current time.
func NewServiceWithClock(store Store, now func() time.Time) *Service {
	return &Service{store: store, now: now}
}

type ScheduleRequest struct {
	PatientID         string
	ProviderID        string
	ScheduledAt       time.Time
	DurationMinutes   int
	ServiceType       string
	Notes             string
	EmergencyOverride bool
}

// Schedule validates the booking request and creates a scheduled appointment.
// Overlapping bookings for the provider fail with ErrSlotConflict unless the
// emergency override flag is set.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (model.Appointment, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ServiceType = strings.TrimSpace(req.ServiceType)

	if req.PatientID == "" {
		return model.Appointment{}, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if req.ProviderID == "" {
		return model.Appointment{}, fmt.Errorf("%w: provider_id is required", ErrValidation)
	}
	if req.ServiceType == "" {
		return model.Appointment{}, fmt.Errorf("%w: service_type is required", ErrValidation)
	}
	if req.ScheduledAt.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}
	if !req.ScheduledAt.After(s.now()) {
		return model.Appointment{}, fmt.Errorf("%w: scheduled_at must be in the future", ErrValidation)
	}
	if req.DurationMinutes < 0 {
		return model.Appointment{}, fmt.Errorf("%w: duration_minutes must be positive", ErrValidation)
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = model.DefaultDuration(req.ServiceType)
	}

	appt := model.Appointment{
		PatientID:         req.PatientID,
		ProviderID:        req.ProviderID,
		ScheduledAt:       req.ScheduledAt.UTC(),
		DurationMinutes:   req.DurationMinutes,
		ServiceType:       req.ServiceType,
		Status:            model.StatusScheduled,
		EmergencyOverride: req.EmergencyOverride,
		Notes:             strings.TrimSpace(req.Notes),
	}
	return s.store.Insert(ctx, appt, Change{EventType: EventScheduled, Action: "schedule"})
}

// Reschedule moves a scheduled appointment to a new future slot. The overlap
// check runs again against the new time inside the store.
func (s *Service) Reschedule(ctx context.Context, id string, newScheduledAt time.Time) (model.Appointment, error) {
	if newScheduledAt.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}
	if !newScheduledAt.After(s.now()) {
		return model.Appointment{}, fmt.Errorf("%w: scheduled_at must be in the future", ErrValidation)
	}
	return s.store.Transition(ctx, id, func(appt model.Appointment) (model.Appointment, Change, error) {
		if appt.Status != model.StatusScheduled {
			return appt, Change{}, fmt.Errorf("%w: only scheduled appointments can be rescheduled (status %s)", ErrInvalidTransition, appt.Status)
		}
		appt.ScheduledAt = newScheduledAt.UTC()
		return appt, Change{EventType: EventRescheduled, Action: "reschedule"}, nil
	})
}

// Cancel is valid from scheduled or in_progress. The reason is preserved in
// the appointment notes; the record itself is never deleted.
func (s *Service) Cancel(ctx context.Context, id, reason string) (model.Appointment, error) {
	reason = strings.TrimSpace(reason)
	return s.store.Transition(ctx, id, func(appt model.Appointment) (model.Appointment, Change, error) {
		if !model.CanTransition(appt.Status, model.StatusCancelled) {
			return appt, Change{}, fmt.Errorf("%w: cannot cancel a %s appointment", ErrInvalidTransition, appt.Status)
		}
		appt.Status = model.StatusCancelled
		if reason != "" {
			appt.Notes = appendNote(appt.Notes, "cancelled: "+reason)
		}
		return appt, Change{EventType: EventCancelled, Action: "cancel", Reason: reason}, nil
	})
}

// CheckIn marks a scheduled appointment as in progress.
func (s *Service) CheckIn(ctx context.Context, id string) (model.Appointment, error) {
	return s.store.Transition(ctx, id, func(appt model.Appointment) (model.Appointment, Change, error) {
		if appt.Status != model.StatusScheduled {
			return appt, Change{}, fmt.Errorf("%w: cannot check in a %s appointment", ErrInvalidTransition, appt.Status)
		}
		appt.Status = model.StatusInProgress
		return appt, Change{EventType: EventCheckedIn, Action: "check_in"}, nil
	})
}

// Complete closes an in-progress appointment, optionally appending visit notes.
func (s *Service) Complete(ctx context.Context, id, notes string) (model.Appointment, error) {
	notes = strings.TrimSpace(notes)
	return s.store.Transition(ctx, id, func(appt model.Appointment) (model.Appointment, Change, error) {
		if appt.Status != model.StatusInProgress {
			return appt, Change{}, fmt.Errorf("%w: cannot complete a %s appointment", ErrInvalidTransition, appt.Status)
		}
		appt.Status = model.StatusCompleted
		if notes != "" {
			appt.Notes = appendNote(appt.Notes, notes)
		}
		return appt, Change{EventType: EventCompleted, Action: "complete"}, nil
	})
}

// MarkNoShow is valid only for scheduled appointments whose slot start has
// already passed without a check-in.
func (s *Service) MarkNoShow(ctx context.Context, id string) (model.Appointment, error) {
	now := s.now()
	return s.store.Transition(ctx, id, func(appt model.Appointment) (model.Appointment, Change, error) {
		if appt.Status != model.StatusScheduled {
			return appt, Change{}, fmt.Errorf("%w: cannot mark a %s appointment as no-show", ErrInvalidTransition, appt.Status)
		}
		if !appt.ScheduledAt.Before(now) {
			return appt, Change{}, fmt.Errorf("%w: appointment has not started yet", ErrInvalidTransition)
		}
		appt.Status = model.StatusNoShow
		return appt, Change{EventType: EventNoShow, Action: "mark_no_show"}, nil
	})
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
