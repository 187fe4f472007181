// Package contacts resolves where a patient wants to be reached. The
// patient_contacts table is synced from the practice-management system; this
// service only reads it.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dentalops/clinicsched/libs/db"
)

var ErrNotFound = errors.New("contact not found")

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

type Contact struct {
	PatientID        string
	Email            string
	Phone            string
	PreferredChannel string
}

// Recipient returns the address for the contact's preferred channel, falling
// back to whichever one is on file.
func (c Contact) Recipient() (channel, address string, err error) {
	switch strings.ToLower(c.PreferredChannel) {
	case ChannelSMS:
		if c.Phone != "" {
			return ChannelSMS, c.Phone, nil
		}
	case ChannelEmail:
		if c.Email != "" {
			return ChannelEmail, c.Email, nil
		}
	}
	if c.Email != "" {
		return ChannelEmail, c.Email, nil
	}
	if c.Phone != "" {
		return ChannelSMS, c.Phone, nil
	}
	return "", "", fmt.Errorf("patient %s has no reachable contact", c.PatientID)
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Get(ctx context.Context, patientID string) (Contact, error) {
	var c Contact
	err := r.pool.QueryRow(ctx, `
		SELECT patient_id, COALESCE(email, ''), COALESCE(phone, ''), preferred_channel
		FROM patient_contacts
		WHERE patient_id = $1
	`, patientID).Scan(&c.PatientID, &c.Email, &c.Phone, &c.PreferredChannel)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
	}
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

// Upsert is used by the contact-sync consumer and by seed tooling.
func (r *Repository) Upsert(ctx context.Context, c Contact) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patient_contacts (patient_id, email, phone, preferred_channel)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)
		ON CONFLICT (patient_id) DO UPDATE
		SET email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    preferred_channel = EXCLUDED.preferred_channel,
		    updated_at = now()
	`, c.PatientID, c.Email, c.Phone, c.PreferredChannel)
	return err
}
