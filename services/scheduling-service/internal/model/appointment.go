package model

import "time"

// Status is the lifecycle state of an appointment. Transitions are restricted
// to the graph in transitions; completed, cancelled and no_show are terminal.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusNoShow:     {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID                string
	PatientID         string
	ProviderID        string
	ScheduledAt       time.Time
	DurationMinutes   int
	ServiceType       string
	Status            Status
	EmergencyOverride bool
	Notes             string
	HasFeedback       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// End is the exclusive end of the appointment's slot interval.
func (a Appointment) End() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps reports whether two appointments' half-open slot intervals overlap
// for the same provider.
func (a Appointment) Overlaps(b Appointment) bool {
	if a.ProviderID != b.ProviderID {
		return false
	}
	return a.ScheduledAt.Before(b.End()) && b.ScheduledAt.Before(a.End())
}

// defaultDurations maps known service types to their usual chair time.
// The set is open: clinics add their own types, which fall back to
// DefaultDurationMinutes.
var defaultDurations = map[string]int{
	"cleaning":     45,
	"checkup":      30,
	"consultation": 30,
	"filling":      60,
	"extraction":   60,
	"root-canal":   90,
	"whitening":    60,
	"emergency":    30,
}

const DefaultDurationMinutes = 30

func DefaultDuration(serviceType string) int {
	if d, ok := defaultDurations[serviceType]; ok {
		return d
	}
	return DefaultDurationMinutes
}
