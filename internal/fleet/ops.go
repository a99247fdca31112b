package fleet

import (
	"context"
	"fmt"
	"strings"

	"koormatics.org/internal/activity"
	"koormatics.org/internal/cache"
	"koormatics.org/internal/obs"
)

// Invalidator is the slice of the cache manager the mutation paths need.
type Invalidator interface {
	InvalidateAndRefetch(ctx context.Context, keys ...cache.Key)
	ClearAll()
}

// Notifier delivers user-facing outcome messages for mutations.
type Notifier interface {
	Success(ctx context.Context, msg string)
	Error(ctx context.Context, msg string)
}

// LogNotifier writes notifications to the structured log. It is the default
// when no interactive channel is wired.
type LogNotifier struct{}

func (LogNotifier) Success(_ context.Context, msg string) {
	obs.Logger().Println(`{"type":"notify","level":"success","msg":` + fmt.Sprintf("%q", msg) + `}`)
}

func (LogNotifier) Error(_ context.Context, msg string) {
	obs.Logger().Println(`{"type":"notify","level":"error","msg":` + fmt.Sprintf("%q", msg) + `}`)
}

// Operations implements trip mutations. Every mutation follows the same
// sequence: perform the write, notify on failure and stop, otherwise
// invalidate the affected caches, record the activity event, and notify
// success. Cache refresh and activity recording are best-effort and never
// fail the mutation.
type Operations struct {
	store    Store
	cache    Invalidator
	notify   Notifier
	activity *activity.Recorder
}

// NewOperations wires the mutation service.
func NewOperations(store Store, inv Invalidator, notify Notifier, rec *activity.Recorder) *Operations {
	if notify == nil {
		notify = LogNotifier{}
	}
	return &Operations{store: store, cache: inv, notify: notify, activity: rec}
}

// GetTrip returns the display projection for one trip.
func (o *Operations) GetTrip(ctx context.Context, tripID string) (DisplayTrip, error) {
	trip, err := o.store.GetTrip(ctx, tripID)
	if err != nil {
		return DisplayTrip{}, err
	}
	return Project(trip), nil
}

// ListTrips returns display projections for the matching trips.
func (o *Operations) ListTrips(ctx context.Context, filter ListFilter) ([]DisplayTrip, error) {
	trips, err := o.store.ListTrips(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]DisplayTrip, 0, len(trips))
	for _, t := range trips {
		out = append(out, Project(t))
	}
	return out, nil
}

// UpdateStatus transitions a trip to the given status. Cancelling a trip has
// wide side effects (driver and vehicle become free, client schedules move),
// so it clears every cache and refetches the four core datasets; any other
// transition refreshes trips, vehicles and drivers.
func (o *Operations) UpdateStatus(ctx context.Context, tripID string, status TripStatus, reason string) (DisplayTrip, error) {
	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return DisplayTrip{}, fmt.Errorf("%w: trip id is required", ErrInvalidInput)
	}

	trip, err := o.store.UpdateTripStatus(ctx, tripID, status, reason)
	if err != nil {
		obs.LogError("fleet", "update trip status", err)
		o.notify.Error(ctx, "Failed to update trip status")
		return DisplayTrip{}, err
	}

	if status == StatusCancelled {
		o.cache.ClearAll()
		o.cache.InvalidateAndRefetch(ctx, cache.KeyTrips, cache.KeyVehicles, cache.KeyDrivers, cache.KeyClients)
	} else {
		o.cache.InvalidateAndRefetch(ctx, cache.KeyTrips, cache.KeyVehicles, cache.KeyDrivers)
	}

	o.record(ctx, "trip.status_changed", map[string]any{
		"trip_id": tripID,
		"status":  string(status),
	})
	o.notify.Success(ctx, "Trip status updated")
	return Project(trip), nil
}

// AssignDriver puts a driver on a trip and refreshes the datasets the
// assignment touches.
func (o *Operations) AssignDriver(ctx context.Context, tripID, driverID string) (DisplayTrip, error) {
	tripID = strings.TrimSpace(tripID)
	driverID = strings.TrimSpace(driverID)
	if tripID == "" || driverID == "" {
		return DisplayTrip{}, fmt.Errorf("%w: trip id and driver id are required", ErrInvalidInput)
	}

	trip, err := o.store.AssignDriver(ctx, tripID, driverID)
	if err != nil {
		obs.LogError("fleet", "assign driver", err)
		o.notify.Error(ctx, "Failed to assign driver")
		return DisplayTrip{}, err
	}

	o.cache.InvalidateAndRefetch(ctx, cache.KeyTrips, cache.KeyDrivers, cache.KeyVehicles)

	o.record(ctx, "trip.driver_assigned", map[string]any{
		"trip_id":   tripID,
		"driver_id": driverID,
	})
	o.notify.Success(ctx, "Driver assigned")
	return Project(trip), nil
}

// DeleteTrip removes a trip and its dependent records. Child rows (messages,
// then assignments) are deleted before the parent so the trip row never
// dangles references. A child delete failure aborts the operation; the trip
// row is left in place.
func (o *Operations) DeleteTrip(ctx context.Context, tripID string) error {
	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return fmt.Errorf("%w: trip id is required", ErrInvalidInput)
	}

	if err := o.store.DeleteTripMessages(ctx, tripID); err != nil {
		obs.LogError("fleet", "delete trip messages", err)
		o.notify.Error(ctx, "Failed to delete trip")
		return fmt.Errorf("delete trip messages: %w", err)
	}
	if err := o.store.DeleteTripAssignments(ctx, tripID); err != nil {
		obs.LogError("fleet", "delete trip assignments", err)
		o.notify.Error(ctx, "Failed to delete trip")
		return fmt.Errorf("delete trip assignments: %w", err)
	}
	if err := o.store.DeleteTrip(ctx, tripID); err != nil {
		obs.LogError("fleet", "delete trip", err)
		o.notify.Error(ctx, "Failed to delete trip")
		return err
	}

	o.cache.InvalidateAndRefetch(ctx, cache.KeyTrips, cache.KeyVehicles, cache.KeyDrivers)

	o.record(ctx, "trip.deleted", map[string]any{"trip_id": tripID})
	o.notify.Success(ctx, "Trip deleted")
	return nil
}

func (o *Operations) record(ctx context.Context, event string, fields map[string]any) {
	if o.activity == nil {
		return
	}
	o.activity.Record(ctx, event, fields)
}
