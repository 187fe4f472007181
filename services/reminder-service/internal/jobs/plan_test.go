package jobs

import (
	"testing"
	"time"
)

func TestPlanReminders_OnePerOffset(t *testing.T) {
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	start := now.Add(48 * time.Hour)

	planned := PlanReminders("appt-1", "pat-1", "prov-1", "cleaning", start, []time.Duration{24 * time.Hour, time.Hour}, now)
	if len(planned) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(planned))
	}
	if !planned[0].RemindAt.Equal(start.Add(-24 * time.Hour)) {
		t.Fatalf("first remind_at = %s", planned[0].RemindAt)
	}
	if !planned[1].RemindAt.Equal(start.Add(-time.Hour)) {
		t.Fatalf("second remind_at = %s", planned[1].RemindAt)
	}
	if planned[0].IdempotencyKey == planned[1].IdempotencyKey {
		t.Fatal("offsets must produce distinct idempotency keys")
	}
}

func TestPlanReminders_DropsPastReminders(t *testing.T) {
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	start := now.Add(2 * time.Hour)

	// The 24h reminder is already in the past; only the 1h one survives.
	planned := PlanReminders("appt-1", "pat-1", "prov-1", "checkup", start, []time.Duration{24 * time.Hour, time.Hour}, now)
	if len(planned) != 1 {
		t.Fatalf("expected 1 job, got %d", len(planned))
	}
	if !planned[0].RemindAt.Equal(start.Add(-time.Hour)) {
		t.Fatalf("remind_at = %s", planned[0].RemindAt)
	}
}

func TestPlanReminders_KeyStableAcrossReplays(t *testing.T) {
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	start := now.Add(48 * time.Hour)

	a := PlanReminders("appt-1", "pat-1", "prov-1", "cleaning", start, []time.Duration{time.Hour}, now)
	b := PlanReminders("appt-1", "pat-1", "prov-1", "cleaning", start, []time.Duration{time.Hour}, now)
	if a[0].IdempotencyKey != b[0].IdempotencyKey {
		t.Fatal("same appointment and start time must yield the same key")
	}

	rescheduled := PlanReminders("appt-1", "pat-1", "prov-1", "cleaning", start.Add(time.Hour), []time.Duration{time.Hour}, now)
	if rescheduled[0].IdempotencyKey == a[0].IdempotencyKey {
		t.Fatal("a new start time must yield a new key")
	}
}

func TestPlanReminders_IgnoresNonPositiveOffsets(t *testing.T) {
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	start := now.Add(48 * time.Hour)

	planned := PlanReminders("appt-1", "pat-1", "prov-1", "cleaning", start, []time.Duration{0, -time.Hour}, now)
	if len(planned) != 0 {
		t.Fatalf("expected no jobs, got %d", len(planned))
	}
}
