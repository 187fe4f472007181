package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dentalops/clinicsched/services/notification-service/internal/contacts"
)

type memContacts struct {
	byPatient map[string]contacts.Contact
}

func (m *memContacts) Get(_ context.Context, patientID string) (contacts.Contact, error) {
	c, ok := m.byPatient[patientID]
	if !ok {
		return contacts.Contact{}, contacts.ErrNotFound
	}
	return c, nil
}

func (m *memContacts) Upsert(_ context.Context, c contacts.Contact) error {
	m.byPatient[c.PatientID] = c
	return nil
}

func newContactMux(store ContactStore) *http.ServeMux {
	h := NewContactHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestContactPutThenGet(t *testing.T) {
	store := &memContacts{byPatient: map[string]contacts.Contact{}}
	mux := newContactMux(store)

	put := httptest.NewRequest(http.MethodPut, "/api/v1/contacts/pat-1",
		strings.NewReader(`{"email":"pat@example.com","preferred_channel":"email"}`))
	rwPut := httptest.NewRecorder()
	mux.ServeHTTP(rwPut, put)
	if rwPut.Code != http.StatusNoContent {
		t.Fatalf("put status = %d, want 204 (body %s)", rwPut.Code, rwPut.Body.String())
	}

	get := httptest.NewRequest(http.MethodGet, "/api/v1/contacts/pat-1", nil)
	rwGet := httptest.NewRecorder()
	mux.ServeHTTP(rwGet, get)
	if rwGet.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rwGet.Code)
	}
	var body contactBody
	if err := json.Unmarshal(rwGet.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if body.Email != "pat@example.com" || body.PreferredChannel != "email" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestContactGetUnknown(t *testing.T) {
	mux := newContactMux(&memContacts{byPatient: map[string]contacts.Contact{}})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/contacts/missing", nil)
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	if rw.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rw.Code)
	}
}

func TestContactPutValidation(t *testing.T) {
	store := &memContacts{byPatient: map[string]contacts.Contact{}}
	mux := newContactMux(store)

	cases := []struct {
		name string
		body string
	}{
		{"no address at all", `{"preferred_channel":"email"}`},
		{"bad channel", `{"email":"a@b.c","preferred_channel":"fax"}`},
		{"bad json", `{`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/v1/contacts/pat-1", strings.NewReader(c.body))
			rw := httptest.NewRecorder()
			mux.ServeHTTP(rw, req)
			if rw.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rw.Code)
			}
		})
	}
}
