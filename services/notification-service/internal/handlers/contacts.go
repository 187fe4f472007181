package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dentalops/clinicsched/services/notification-service/internal/contacts"
)

// ContactStore is implemented by *contacts.Repository.
type ContactStore interface {
	Get(ctx context.Context, patientID string) (contacts.Contact, error)
	Upsert(ctx context.Context, c contacts.Contact) error
}

// ContactHandler exposes the front-desk surface for keeping patient contact
// details current.
type ContactHandler struct {
	store  ContactStore
	logger *slog.Logger
}

func NewContactHandler(store ContactStore, logger *slog.Logger) *ContactHandler {
	return &ContactHandler{store: store, logger: logger}
}

func (h *ContactHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/contacts/{patient_id}", h.Get)
	mux.HandleFunc("PUT /api/v1/contacts/{patient_id}", h.Put)
}

type contactBody struct {
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	PreferredChannel string `json:"preferred_channel"`
}

func (h *ContactHandler) Get(w http.ResponseWriter, r *http.Request) {
	contact, err := h.store.Get(r.Context(), r.PathValue("patient_id"))
	if err != nil {
		if errors.Is(err, contacts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		h.logger.Error("contact lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, contactBody{
		Email:            contact.Email,
		Phone:            contact.Phone,
		PreferredChannel: contact.PreferredChannel,
	})
}

func (h *ContactHandler) Put(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("patient_id")

	var body contactBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	channel := strings.ToLower(strings.TrimSpace(body.PreferredChannel))
	if channel == "" {
		channel = contacts.ChannelEmail
	}
	if channel != contacts.ChannelEmail && channel != contacts.ChannelSMS {
		writeError(w, http.StatusBadRequest, "preferred_channel must be email or sms")
		return
	}
	if strings.TrimSpace(body.Email) == "" && strings.TrimSpace(body.Phone) == "" {
		writeError(w, http.StatusBadRequest, "email or phone is required")
		return
	}

	err := h.store.Upsert(r.Context(), contacts.Contact{
		PatientID:        patientID,
		Email:            strings.TrimSpace(body.Email),
		Phone:            strings.TrimSpace(body.Phone),
		PreferredChannel: channel,
	})
	if err != nil {
		h.logger.Error("contact upsert failed", "err", err, "patient_id", patientID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
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

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]string{"error": msg})
	_, _ = w.Write(body)
}
