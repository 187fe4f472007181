// Package message composes the patient-facing text for each notice kind.
package message

import (
	"fmt"
	"strings"
	"time"
)

const (
	KindReminder     = "reminder"
	KindCancellation = "cancellation"
)

type Notice struct {
	Subject string
	Body    string
}

// Reminder builds the upcoming-appointment notice. clinicName prefixes the
// body so patients recognize the sender on SMS, where there is no subject.
func Reminder(clinicName, serviceType string, scheduledAt time.Time) Notice {
	when := scheduledAt.UTC().Format("Monday, Jan 2 at 15:04 MST")
	body := fmt.Sprintf("Reminder: your %s appointment is on %s. Reply or call the clinic if you need to change it.", serviceLabel(serviceType), when)
	return Notice{
		Subject: "Upcoming appointment reminder",
		Body:    prefix(clinicName, body),
	}
}

// Cancellation confirms that an appointment was cancelled.
func Cancellation(clinicName, serviceType string, scheduledAt time.Time) Notice {
	when := scheduledAt.UTC().Format("Monday, Jan 2 at 15:04 MST")
	body := fmt.Sprintf("Your %s appointment on %s has been cancelled. Contact the clinic to rebook.", serviceLabel(serviceType), when)
	return Notice{
		Subject: "Appointment cancelled",
		Body:    prefix(clinicName, body),
	}
}

func serviceLabel(serviceType string) string {
	s := strings.TrimSpace(strings.ReplaceAll(serviceType, "-", " "))
	if s == "" {
		return "dental"
	}
	return s
}

func prefix(clinicName, body string) string {
	if strings.TrimSpace(clinicName) == "" {
		return body
	}
	return fmt.Sprintf("[%s] %s", clinicName, body)
}
