package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	StatusScheduled  TripStatus = "scheduled"
	StatusInProgress TripStatus = "in_progress"
	StatusCompleted  TripStatus = "completed"
	StatusCancelled  TripStatus = "cancelled"
)

// ParseTripStatus validates a raw status value.
func ParseTripStatus(raw string) (TripStatus, error) {
	switch s := TripStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown trip status %q", ErrInvalidInput, raw)
	}
}

// Trip is the stored trip record.
type Trip struct {
	ID           string
	ClientID     string
	VehicleID    string
	DriverID     string
	Status       TripStatus
	Origin       string
	Destination  string
	ScheduledAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayTrip is the trip projection served to clients. Display fields are
// computed from the stored record on every fetch so they never go stale
// relative to the underlying row.
type DisplayTrip struct {
	Trip
	StatusLabel string
	Assigned    bool
	Terminal    bool
}

// Project computes the display projection for a trip.
func Project(t Trip) DisplayTrip {
	return DisplayTrip{
		Trip:        t,
		StatusLabel: statusLabel(t.Status),
		Assigned:    t.DriverID != "",
		Terminal:    t.Status == StatusCompleted || t.Status == StatusCancelled,
	}
}

func statusLabel(s TripStatus) string {
	switch s {
	case StatusScheduled:
		return "Scheduled"
	case StatusInProgress:
		return "In Progress"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}

var (
	ErrNotFound     = errors.New("fleet: not found")
	ErrInvalidInput = errors.New("fleet: invalid input")
	ErrConflict     = errors.New("fleet: conflict")
)
