package message

import (
	"strings"
	"testing"
	"time"
)

var apptTime = time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

func TestReminder(t *testing.T) {
	n := Reminder("Bright Smile Dental", "root-canal", apptTime)
	if n.Subject != "Upcoming appointment reminder" {
		t.Fatalf("subject = %q", n.Subject)
	}
	if !strings.HasPrefix(n.Body, "[Bright Smile Dental]") {
		t.Fatalf("body missing clinic prefix: %q", n.Body)
	}
	if !strings.Contains(n.Body, "root canal") {
		t.Fatalf("body missing readable service type: %q", n.Body)
	}
	if !strings.Contains(n.Body, "Monday, Mar 9 at 14:30 UTC") {
		t.Fatalf("body missing formatted time: %q", n.Body)
	}
}

func TestCancellation(t *testing.T) {
	n := Cancellation("", "cleaning", apptTime)
	if strings.HasPrefix(n.Body, "[") {
		t.Fatalf("empty clinic name must not add a prefix: %q", n.Body)
	}
	if !strings.Contains(n.Body, "has been cancelled") {
		t.Fatalf("body = %q", n.Body)
	}
}

func TestServiceLabelFallback(t *testing.T) {
	n := Reminder("", "", apptTime)
	if !strings.Contains(n.Body, "dental appointment") {
		t.Fatalf("expected generic label, got %q", n.Body)
	}
}
