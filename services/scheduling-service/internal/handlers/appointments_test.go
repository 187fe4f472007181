package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dentalops/clinicsched/services/scheduling-service/internal/audit"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/model"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/scheduling"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/storage"
)

type fakeScheduler struct {
	appt model.Appointment
	err  error
}

func (f *fakeScheduler) Schedule(context.Context, scheduling.ScheduleRequest) (model.Appointment, error) {
	return f.appt, f.err
}
func (f *fakeScheduler) Reschedule(context.Context, string, time.Time) (model.Appointment, error) {
	return f.appt, f.err
}
func (f *fakeScheduler) Cancel(context.Context, string, string) (model.Appointment, error) {
	return f.appt, f.err
}
func (f *fakeScheduler) CheckIn(context.Context, string) (model.Appointment, error) {
	return f.appt, f.err
}
func (f *fakeScheduler) Complete(context.Context, string, string) (model.Appointment, error) {
	return f.appt, f.err
}
func (f *fakeScheduler) MarkNoShow(context.Context, string) (model.Appointment, error) {
	return f.appt, f.err
}

type fakeDirectory struct {
	appts []model.Appointment
	err   error
}

func (f *fakeDirectory) Get(_ context.Context, id string) (model.Appointment, error) {
	if f.err != nil {
		return model.Appointment{}, f.err
	}
	for _, a := range f.appts {
		if a.ID == id {
			return a, nil
		}
	}
	return model.Appointment{}, scheduling.ErrNotFound
}
func (f *fakeDirectory) ListByProvider(context.Context, string, time.Time, time.Time) ([]model.Appointment, error) {
	return f.appts, f.err
}
func (f *fakeDirectory) ListByPatient(context.Context, string) ([]model.Appointment, error) {
	return f.appts, f.err
}
func (f *fakeDirectory) FindUpcoming(context.Context, string, time.Time) ([]model.Appointment, error) {
	return f.appts, f.err
}
func (f *fakeDirectory) FindPendingFeedback(context.Context, string) ([]model.Appointment, error) {
	return f.appts, f.err
}
func (f *fakeDirectory) ListActiveIntervals(context.Context, string, time.Time, time.Time) ([]model.Appointment, error) {
	return f.appts, f.err
}

type fakeHistory struct {
	records []audit.Record
}

func (f *fakeHistory) ListByAppointment(context.Context, string) ([]audit.Record, error) {
	return f.records, nil
}

type fakeIdem struct {
	saved map[string]storage.IdempotencyRecord
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{saved: map[string]storage.IdempotencyRecord{}}
}

func (f *fakeIdem) Find(_ context.Context, key string) (storage.IdempotencyRecord, bool, error) {
	rec, ok := f.saved[key]
	return rec, ok, nil
}

func (f *fakeIdem) Save(_ context.Context, key, appointmentID string, statusCode int, response []byte) error {
	if _, ok := f.saved[key]; ok {
		return nil
	}
	f.saved[key] = storage.IdempotencyRecord{
		Key:             key,
		AppointmentID:   appointmentID,
		StatusCode:      statusCode,
		ResponsePayload: response,
	}
	return nil
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestHandler(sched *fakeScheduler, dir *fakeDirectory) (*AppointmentHandler, *fakeIdem) {
	idem := newFakeIdem()
	return NewAppointmentHandler(sched, dir, &fakeHistory{}, idem, testLogger), idem
}

func sampleAppointment() model.Appointment {
	return model.Appointment{
		ID:              "appt-1",
		PatientID:       "pat-1",
		ProviderID:      "prov-1",
		ScheduledAt:     time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		ServiceType:     "cleaning",
		Status:          model.StatusScheduled,
		CreatedAt:       time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
	}
}

func doRequest(h *AppointmentHandler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	return rw
}

func TestCreate_Success(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{appt: sampleAppointment()}, &fakeDirectory{})

	body := `{"patient_id":"pat-1","provider_id":"prov-1","scheduled_at":"2026-01-10T09:00:00Z","service_type":"cleaning"}`
	rw := doRequest(h, http.MethodPost, "/api/v1/appointments", body, nil)
	if rw.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rw.Code, rw.Body.String())
	}

	var resp appointmentResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.ID != "appt-1" || resp.Status != "scheduled" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreate_InvalidJSON(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{})
	rw := doRequest(h, http.MethodPost, "/api/v1/appointments", "{not json", nil)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rw.Code)
	}
}

func TestCreate_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", fmt.Errorf("%w: patient_id is required", scheduling.ErrValidation), http.StatusBadRequest},
		{"conflict", fmt.Errorf("%w: provider busy", scheduling.ErrSlotConflict), http.StatusConflict},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h, _ := newTestHandler(&fakeScheduler{err: c.err}, &fakeDirectory{})
			body := `{"patient_id":"pat-1","provider_id":"prov-1","scheduled_at":"2026-01-10T09:00:00Z","service_type":"cleaning"}`
			rw := doRequest(h, http.MethodPost, "/api/v1/appointments", body, nil)
			if rw.Code != c.wantStatus {
				t.Fatalf("status = %d, want %d", rw.Code, c.wantStatus)
			}
			var resp map[string]string
			if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil || resp["error"] == "" {
				t.Fatalf("expected error body, got %s", rw.Body.String())
			}
		})
	}
}

func TestCreate_IdempotentReplay(t *testing.T) {
	h, idem := newTestHandler(&fakeScheduler{appt: sampleAppointment()}, &fakeDirectory{})

	body := `{"patient_id":"pat-1","provider_id":"prov-1","scheduled_at":"2026-01-10T09:00:00Z","service_type":"cleaning"}`
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := doRequest(h, http.MethodPost, "/api/v1/appointments", body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}
	if _, ok := idem.saved["key-1"]; !ok {
		t.Fatal("expected idempotency record to be saved")
	}

	second := doRequest(h, http.MethodPost, "/api/v1/appointments", body, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body differs: %s vs %s", first.Body.String(), second.Body.String())
	}
}

func TestUpdate_UnknownAction(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{})
	rw := doRequest(h, http.MethodPatch, "/api/v1/appointments/appt-1", `{"action":"freeze"}`, nil)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rw.Code)
	}
}

func TestUpdate_CancelSuccess(t *testing.T) {
	appt := sampleAppointment()
	appt.Status = model.StatusCancelled
	h, _ := newTestHandler(&fakeScheduler{appt: appt}, &fakeDirectory{})

	rw := doRequest(h, http.MethodPatch, "/api/v1/appointments/appt-1", `{"action":"cancel","reason":"sick"}`, nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rw.Code)
	}
	var resp appointmentResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Status != "cancelled" {
		t.Fatalf("status = %s, want cancelled", resp.Status)
	}
}

func TestUpdate_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", scheduling.ErrNotFound, http.StatusNotFound},
		{"invalid transition", fmt.Errorf("%w: cannot cancel", scheduling.ErrInvalidTransition), http.StatusConflict},
		{"slot conflict", fmt.Errorf("%w: busy", scheduling.ErrSlotConflict), http.StatusConflict},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h, _ := newTestHandler(&fakeScheduler{err: c.err}, &fakeDirectory{})
			rw := doRequest(h, http.MethodPatch, "/api/v1/appointments/appt-1", `{"action":"cancel"}`, nil)
			if rw.Code != c.wantStatus {
				t.Fatalf("status = %d, want %d", rw.Code, c.wantStatus)
			}
		})
	}
}

func TestUpdate_RescheduleRequiresValidTime(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{appt: sampleAppointment()}, &fakeDirectory{})
	rw := doRequest(h, http.MethodPatch, "/api/v1/appointments/appt-1", `{"action":"reschedule","scheduled_at":"tomorrow"}`, nil)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rw.Code)
	}
}

func TestList_RequiresFilter(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{})
	rw := doRequest(h, http.MethodGet, "/api/v1/appointments", "", nil)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rw.Code)
	}
}

func TestList_ByProvider(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{appts: []model.Appointment{sampleAppointment()}})
	rw := doRequest(h, http.MethodGet, "/api/v1/appointments?provider_id=prov-1&from=2026-01-01&to=2026-02-01", "", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rw.Code, rw.Body.String())
	}
	var items []appointmentResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &items); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(items) != 1 || items[0].ProviderID != "prov-1" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestList_InvalidRange(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{})
	rw := doRequest(h, http.MethodGet, "/api/v1/appointments?provider_id=prov-1&from=2026-02-01&to=2026-01-01", "", nil)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rw.Code)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{})
	rw := doRequest(h, http.MethodGet, "/api/v1/appointments/missing", "", nil)
	if rw.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rw.Code)
	}
}

func TestSlots_ExcludesBookedIntervals(t *testing.T) {
	busy := sampleAppointment()
	busy.ScheduledAt = time.Date(2099, 1, 10, 9, 0, 0, 0, time.UTC)
	busy.DurationMinutes = 60
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{appts: []model.Appointment{busy}})

	rw := doRequest(h, http.MethodGet, "/api/v1/slots?provider_id=prov-1&date=2099-01-10&duration_minutes=60&slot_step_minutes=60&workday_start=09:00&workday_end=12:00", "", nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rw.Code, rw.Body.String())
	}
	var slots []slotItem
	if err := json.Unmarshal(rw.Body.Bytes(), &slots); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	// 09:00 is booked; 10:00 and 11:00 remain.
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2: %+v", len(slots), slots)
	}
	if slots[0].StartTime != "2099-01-10T10:00:00Z" {
		t.Fatalf("first slot = %s, want 2099-01-10T10:00:00Z", slots[0].StartTime)
	}
}

func TestPendingFeedback_RequiresPatient(t *testing.T) {
	h, _ := newTestHandler(&fakeScheduler{}, &fakeDirectory{})
	rw := doRequest(h, http.MethodGet, "/api/v1/appointments/pending-feedback", "", nil)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rw.Code)
	}
}
