package fleet

import "context"

// ListFilter narrows ListTrips results.
type ListFilter struct {
	Status   TripStatus
	ClientID string
	DriverID string
	Limit    int
}

// Store is the persistence boundary for trips and their child records.
type Store interface {
	GetTrip(ctx context.Context, tripID string) (Trip, error)
	ListTrips(ctx context.Context, filter ListFilter) ([]Trip, error)
	UpdateTripStatus(ctx context.Context, tripID string, status TripStatus, reason string) (Trip, error)
	AssignDriver(ctx context.Context, tripID, driverID string) (Trip, error)
	DeleteTripMessages(ctx context.Context, tripID string) error
	DeleteTripAssignments(ctx context.Context, tripID string) error
	DeleteTrip(ctx context.Context, tripID string) error
}
