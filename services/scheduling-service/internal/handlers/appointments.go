package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dentalops/clinicsched/services/scheduling-service/internal/audit"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/availability"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/model"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/scheduling"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/storage"
)

// Scheduler applies lifecycle transitions; implemented by *scheduling.Service.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduling.ScheduleRequest) (model.Appointment, error)
	Reschedule(ctx context.Context, id string, newScheduledAt time.Time) (model.Appointment, error)
	Cancel(ctx context.Context, id, reason string) (model.Appointment, error)
	CheckIn(ctx context.Context, id string) (model.Appointment, error)
	Complete(ctx context.Context, id, notes string) (model.Appointment, error)
	MarkNoShow(ctx context.Context, id string) (model.Appointment, error)
}

// Directory serves the read-only projections; implemented by
// *storage.AppointmentRepository.
type Directory interface {
	Get(ctx context.Context, id string) (model.Appointment, error)
	ListByProvider(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
	ListByPatient(ctx context.Context, patientID string) ([]model.Appointment, error)
	FindUpcoming(ctx context.Context, providerID string, asOf time.Time) ([]model.Appointment, error)
	FindPendingFeedback(ctx context.Context, patientID string) ([]model.Appointment, error)
	ListActiveIntervals(ctx context.Context, providerID string, from, to time.Time) ([]model.Appointment, error)
}

type History interface {
	ListByAppointment(ctx context.Context, appointmentID string) ([]audit.Record, error)
}

type Idempotency interface {
	Find(ctx context.Context, key string) (storage.IdempotencyRecord, bool, error)
	Save(ctx context.Context, key, appointmentID string, statusCode int, response []byte) error
}

type AppointmentHandler struct {
	scheduler Scheduler
	directory Directory
	history   History
	idem      Idempotency
	logger    *slog.Logger
}

func NewAppointmentHandler(scheduler Scheduler, directory Directory, history History, idem Idempotency, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		scheduler: scheduler,
		directory: directory,
		history:   history,
		idem:      idem,
		logger:    logger,
	}
}

func (h *AppointmentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/appointments", h.Create)
	mux.HandleFunc("PATCH /api/v1/appointments/{id}", h.Update)
	mux.HandleFunc("GET /api/v1/appointments", h.List)
	mux.HandleFunc("GET /api/v1/appointments/upcoming", h.Upcoming)
	mux.HandleFunc("GET /api/v1/appointments/pending-feedback", h.PendingFeedback)
	mux.HandleFunc("GET /api/v1/appointments/{id}", h.GetByID)
	mux.HandleFunc("GET /api/v1/appointments/{id}/history", h.HistoryByID)
	mux.HandleFunc("GET /api/v1/slots", h.Slots)
}

type appointmentResponse struct {
	ID                string `json:"id"`
	PatientID         string `json:"patient_id"`
	ProviderID        string `json:"provider_id"`
	ScheduledAt       string `json:"scheduled_at"`
	DurationMinutes   int    `json:"duration_minutes"`
	ServiceType       string `json:"service_type"`
	Status            string `json:"status"`
	EmergencyOverride bool   `json:"emergency_override,omitempty"`
	Notes             string `json:"notes,omitempty"`
	HasFeedback       bool   `json:"has_feedback,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func toResponse(appt model.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:                appt.ID,
		PatientID:         appt.PatientID,
		ProviderID:        appt.ProviderID,
		ScheduledAt:       appt.ScheduledAt.UTC().Format(time.RFC3339),
		DurationMinutes:   appt.DurationMinutes,
		ServiceType:       appt.ServiceType,
		Status:            string(appt.Status),
		EmergencyOverride: appt.EmergencyOverride,
		Notes:             appt.Notes,
		HasFeedback:       appt.HasFeedback,
		CreatedAt:         appt.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type createAppointmentRequest struct {
	PatientID         string `json:"patient_id"`
	ProviderID        string `json:"provider_id"`
	ScheduledAt       string `json:"scheduled_at"`
	DurationMinutes   int    `json:"duration_minutes"`
	ServiceType       string `json:"service_type"`
	Notes             string `json:"notes"`
	EmergencyOverride bool   `json:"emergency_override"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var scheduledAt time.Time
	if strings.TrimSpace(req.ScheduledAt) != "" {
		var err error
		scheduledAt, err = time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid scheduled_at, expected RFC 3339")
			return
		}
	}

	ctx := r.Context()
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" {
		rec, found, err := h.idem.Find(ctx, idemKey)
		if err != nil {
			h.logger.Error("idempotency lookup failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if found && rec.StatusCode > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.ResponsePayload)
			return
		}
	}

	appt, err := h.scheduler.Schedule(ctx, scheduling.ScheduleRequest{
		PatientID:         req.PatientID,
		ProviderID:        req.ProviderID,
		ScheduledAt:       scheduledAt,
		DurationMinutes:   req.DurationMinutes,
		ServiceType:       req.ServiceType,
		Notes:             req.Notes,
		EmergencyOverride: req.EmergencyOverride,
	})
	if err != nil {
		status, msg := errorStatus(err)
		if idemKey != "" && status == http.StatusConflict {
			h.saveIdempotent(ctx, idemKey, "", status, errorBody(msg))
		}
		writeError(w, status, msg)
		return
	}

	body, err := json.Marshal(toResponse(appt))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build response")
		return
	}
	if idemKey != "" {
		h.saveIdempotent(ctx, idemKey, appt.ID, http.StatusCreated, body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

type updateAppointmentRequest struct {
	Action      string `json:"action"`
	ScheduledAt string `json:"scheduled_at"`
	Reason      string `json:"reason"`
	Notes       string `json:"notes"`
}

func (h *AppointmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ctx := r.Context()
	var appt model.Appointment
	var err error
	switch req.Action {
	case "cancel":
		appt, err = h.scheduler.Cancel(ctx, id, req.Reason)
	case "checkIn":
		appt, err = h.scheduler.CheckIn(ctx, id)
	case "complete":
		appt, err = h.scheduler.Complete(ctx, id, req.Notes)
	case "markNoShow":
		appt, err = h.scheduler.MarkNoShow(ctx, id)
	case "reschedule":
		var newAt time.Time
		newAt, err = time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid scheduled_at, expected RFC 3339")
			return
		}
		appt, err = h.scheduler.Reschedule(ctx, id, newAt)
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}
	if err != nil {
		status, msg := errorStatus(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	appt, err := h.directory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		status, msg := errorStatus(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *AppointmentHandler) HistoryByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.directory.Get(r.Context(), id); err != nil {
		status, msg := errorStatus(err)
		writeError(w, status, msg)
		return
	}
	records, err := h.history.ListByAppointment(r.Context(), id)
	if err != nil {
		h.logger.Error("audit list failed", "err", err, "appointment_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// List dispatches on query params: provider_id with a date range, or
// patient_id for the portal's most-recent-first view.
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	patientID := strings.TrimSpace(q.Get("patient_id"))

	switch {
	case providerID != "":
		from, to, err := parseDateRange(q.Get("from"), q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appts, err := h.directory.ListByProvider(r.Context(), providerID, from, to)
		if err != nil {
			h.logger.Error("list by provider failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeAppointments(w, appts)
	case patientID != "":
		appts, err := h.directory.ListByPatient(r.Context(), patientID)
		if err != nil {
			h.logger.Error("list by patient failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeAppointments(w, appts)
	default:
		writeError(w, http.StatusBadRequest, "provider_id or patient_id is required")
	}
}

func (h *AppointmentHandler) Upcoming(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	asOf := time.Now().UTC()
	if raw := strings.TrimSpace(q.Get("as_of")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of, expected RFC 3339")
			return
		}
		asOf = t
	}
	appts, err := h.directory.FindUpcoming(r.Context(), providerID, asOf)
	if err != nil {
		h.logger.Error("find upcoming failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeAppointments(w, appts)
}

func (h *AppointmentHandler) PendingFeedback(w http.ResponseWriter, r *http.Request) {
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	if patientID == "" {
		writeError(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	appts, err := h.directory.FindPendingFeedback(r.Context(), patientID)
	if err != nil {
		h.logger.Error("find pending feedback failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeAppointments(w, appts)
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Slots lists open booking slots for a provider on a given day. Workday bounds
// default to 09:00-17:00 UTC and can be overridden per request.
func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID := strings.TrimSpace(q.Get("provider_id"))
	dateStr := strings.TrimSpace(q.Get("date"))
	if providerID == "" || dateStr == "" {
		writeError(w, http.StatusBadRequest, "provider_id and date are required")
		return
	}

	day, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}

	durationMins := model.DefaultDuration(strings.TrimSpace(q.Get("service_type")))
	if v := strings.TrimSpace(q.Get("duration_minutes")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 8*60 {
			writeError(w, http.StatusBadRequest, "invalid duration_minutes")
			return
		}
		durationMins = n
	}
	stepMins := 15
	if v := strings.TrimSpace(q.Get("slot_step_minutes")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 120 {
			writeError(w, http.StatusBadRequest, "invalid slot_step_minutes")
			return
		}
		stepMins = n
	}

	windowStart, err := clockOnDay(day, q.Get("workday_start"), "09:00")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workday_start, expected HH:MM")
		return
	}
	windowEnd, err := clockOnDay(day, q.Get("workday_end"), "17:00")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workday_end, expected HH:MM")
		return
	}
	if !windowEnd.After(windowStart) {
		writeJSON(w, http.StatusOK, []slotItem{})
		return
	}

	booked, err := h.directory.ListActiveIntervals(r.Context(), providerID, windowStart, windowEnd)
	if err != nil {
		h.logger.Error("list booked intervals failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	busy := make([]availability.Interval, 0, len(booked))
	for _, a := range booked {
		busy = append(busy, availability.Interval{Start: a.ScheduledAt, End: a.End()})
	}

	duration := time.Duration(durationMins) * time.Minute
	starts := availability.FreeSlots(windowStart, windowEnd, duration, time.Duration(stepMins)*time.Minute, busy, time.Now().UTC())

	resp := make([]slotItem, 0, len(starts))
	for _, s := range starts {
		resp = append(resp, slotItem{
			StartTime: s.UTC().Format(time.RFC3339),
			EndTime:   s.Add(duration).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AppointmentHandler) saveIdempotent(ctx context.Context, key, appointmentID string, status int, body []byte) {
	if err := h.idem.Save(ctx, key, appointmentID, status, body); err != nil {
		h.logger.Error("idempotency save failed", "err", err, "key", key)
	}
}

func clockOnDay(day time.Time, raw, fallback string) (time.Time, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		v = fallback
	}
	clock, err := time.Parse("15:04", v)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, time.UTC), nil
}

func parseDateRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if v := strings.TrimSpace(fromRaw); v != "" {
		t, err := parseDateOrTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid from, expected RFC 3339 or YYYY-MM-DD")
		}
		from = t
	}
	if v := strings.TrimSpace(toRaw); v != "" {
		t, err := parseDateOrTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid to, expected RFC 3339 or YYYY-MM-DD")
		}
		to = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must not be before from")
	}
	return from, to, nil
}

func parseDateOrTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, time.UTC)
}

func writeAppointments(w http.ResponseWriter, appts []model.Appointment) {
	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toResponse(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// errorStatus maps the scheduling error taxonomy to HTTP statuses with
// user-facing messages that distinguish a lost slot from a frozen lifecycle.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, scheduling.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, scheduling.ErrNotFound):
		return http.StatusNotFound, "appointment not found"
	case errors.Is(err, scheduling.ErrSlotConflict):
		return http.StatusConflict, "this time is no longer available"
	case errors.Is(err, scheduling.ErrInvalidTransition):
		return http.StatusConflict, "this appointment can no longer be changed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func errorBody(msg string) []byte {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return body
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(msg))
}
