package jobs

import (
	"fmt"
	"time"
)

// PlanReminders builds the reminder rows for one appointment, one per offset
// before its start time. Reminders that would already be due are dropped so a
// same-day booking doesn't fire a stale 24h notice. The idempotency key pins
// the (appointment, start time, offset) triple, so redelivered or replayed
// booking events insert nothing new.
func PlanReminders(appointmentID, patientID, providerID, serviceType string, scheduledAt time.Time, offsets []time.Duration, now time.Time) []Job {
	var planned []Job
	for _, offset := range offsets {
		if offset <= 0 {
			continue
		}
		remindAt := scheduledAt.Add(-offset)
		if !remindAt.After(now) {
			continue
		}
		planned = append(planned, Job{
			IdempotencyKey: fmt.Sprintf("%s:%s:%d", appointmentID, scheduledAt.UTC().Format(time.RFC3339), int(offset.Minutes())),
			AppointmentID:  appointmentID,
			PatientID:      patientID,
			ProviderID:     providerID,
			ServiceType:    serviceType,
			ScheduledAt:    scheduledAt,
			RemindAt:       remindAt,
		})
	}
	return planned
}
