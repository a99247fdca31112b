package fleet

import (
	"context"
	"errors"
	"testing"

	"koormatics.org/internal/cache"
)

type stubStore struct {
	trip        Trip
	updateErr   error
	assignErr   error
	msgErr      error
	assignDelErr error
	deleteErr   error

	calls []string
}

func (s *stubStore) GetTrip(_ context.Context, tripID string) (Trip, error) {
	s.calls = append(s.calls, "get")
	if s.trip.ID != tripID {
		return Trip{}, ErrNotFound
	}
	return s.trip, nil
}

func (s *stubStore) ListTrips(_ context.Context, _ ListFilter) ([]Trip, error) {
	s.calls = append(s.calls, "list")
	return []Trip{s.trip}, nil
}

func (s *stubStore) UpdateTripStatus(_ context.Context, tripID string, status TripStatus, reason string) (Trip, error) {
	s.calls = append(s.calls, "update_status")
	if s.updateErr != nil {
		return Trip{}, s.updateErr
	}
	t := s.trip
	t.ID = tripID
	t.Status = status
	t.CancelReason = reason
	return t, nil
}

func (s *stubStore) AssignDriver(_ context.Context, tripID, driverID string) (Trip, error) {
	s.calls = append(s.calls, "assign_driver")
	if s.assignErr != nil {
		return Trip{}, s.assignErr
	}
	t := s.trip
	t.ID = tripID
	t.DriverID = driverID
	return t, nil
}

func (s *stubStore) DeleteTripMessages(_ context.Context, _ string) error {
	s.calls = append(s.calls, "delete_messages")
	return s.msgErr
}

func (s *stubStore) DeleteTripAssignments(_ context.Context, _ string) error {
	s.calls = append(s.calls, "delete_assignments")
	return s.assignDelErr
}

func (s *stubStore) DeleteTrip(_ context.Context, _ string) error {
	s.calls = append(s.calls, "delete_trip")
	return s.deleteErr
}

type stubCache struct {
	cleared     int
	invalidated [][]cache.Key
}

func (c *stubCache) InvalidateAndRefetch(_ context.Context, keys ...cache.Key) {
	c.invalidated = append(c.invalidated, keys)
}

func (c *stubCache) ClearAll() { c.cleared++ }

type stubNotifier struct {
	successes []string
	errors    []string
}

func (n *stubNotifier) Success(_ context.Context, msg string) { n.successes = append(n.successes, msg) }
func (n *stubNotifier) Error(_ context.Context, msg string)   { n.errors = append(n.errors, msg) }

func keysEqual(got, want []cache.Key) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestUpdateStatusCancelledClearsEverything(t *testing.T) {
	store := &stubStore{trip: Trip{ID: "t-1", Status: StatusInProgress}}
	cc := &stubCache{}
	notify := &stubNotifier{}
	ops := NewOperations(store, cc, notify, nil)

	got, err := ops.UpdateStatus(context.Background(), "t-1", StatusCancelled, "client no-show")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got.Status != StatusCancelled || !got.Terminal {
		t.Fatalf("projection = %+v", got)
	}
	if cc.cleared != 1 {
		t.Fatalf("ClearAll calls = %d, want 1", cc.cleared)
	}
	if len(cc.invalidated) != 1 {
		t.Fatalf("invalidations = %d, want 1", len(cc.invalidated))
	}
	want := []cache.Key{cache.KeyTrips, cache.KeyVehicles, cache.KeyDrivers, cache.KeyClients}
	if !keysEqual(cc.invalidated[0], want) {
		t.Fatalf("refetched keys = %v, want %v", cc.invalidated[0], want)
	}
	if len(notify.successes) != 1 {
		t.Fatalf("success notifications = %d", len(notify.successes))
	}
}

func TestUpdateStatusNonCancelledRefreshesCoreKeys(t *testing.T) {
	store := &stubStore{trip: Trip{ID: "t-1", Status: StatusScheduled}}
	cc := &stubCache{}
	ops := NewOperations(store, cc, &stubNotifier{}, nil)

	if _, err := ops.UpdateStatus(context.Background(), "t-1", StatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if cc.cleared != 0 {
		t.Fatalf("ClearAll calls = %d, want 0", cc.cleared)
	}
	want := []cache.Key{cache.KeyTrips, cache.KeyVehicles, cache.KeyDrivers}
	if len(cc.invalidated) != 1 || !keysEqual(cc.invalidated[0], want) {
		t.Fatalf("invalidated = %v, want %v", cc.invalidated, want)
	}
}

func TestUpdateStatusFailureSkipsCacheWork(t *testing.T) {
	store := &stubStore{updateErr: errors.New("deadlock")}
	cc := &stubCache{}
	notify := &stubNotifier{}
	ops := NewOperations(store, cc, notify, nil)

	if _, err := ops.UpdateStatus(context.Background(), "t-1", StatusCompleted, ""); err == nil {
		t.Fatal("expected error")
	}
	if cc.cleared != 0 || len(cc.invalidated) != 0 {
		t.Fatalf("cache touched on failure: cleared=%d invalidated=%v", cc.cleared, cc.invalidated)
	}
	if len(notify.errors) != 1 {
		t.Fatalf("error notifications = %d, want 1", len(notify.errors))
	}
	if len(notify.successes) != 0 {
		t.Fatalf("unexpected success notification")
	}
}

func TestAssignDriverRefreshesTripsDriversVehicles(t *testing.T) {
	store := &stubStore{trip: Trip{ID: "t-1"}}
	cc := &stubCache{}
	ops := NewOperations(store, cc, &stubNotifier{}, nil)

	got, err := ops.AssignDriver(context.Background(), "t-1", "d-9")
	if err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}
	if !got.Assigned {
		t.Fatalf("projection = %+v", got)
	}
	want := []cache.Key{cache.KeyTrips, cache.KeyDrivers, cache.KeyVehicles}
	if len(cc.invalidated) != 1 || !keysEqual(cc.invalidated[0], want) {
		t.Fatalf("invalidated = %v, want %v", cc.invalidated, want)
	}
}

func TestDeleteTripDeletesChildrenFirst(t *testing.T) {
	store := &stubStore{trip: Trip{ID: "t-1"}}
	cc := &stubCache{}
	ops := NewOperations(store, cc, &stubNotifier{}, nil)

	if err := ops.DeleteTrip(context.Background(), "t-1"); err != nil {
		t.Fatalf("DeleteTrip: %v", err)
	}
	want := []string{"delete_messages", "delete_assignments", "delete_trip"}
	if len(store.calls) != len(want) {
		t.Fatalf("calls = %v", store.calls)
	}
	for i, call := range want {
		if store.calls[i] != call {
			t.Fatalf("call %d = %q, want %q", i, store.calls[i], call)
		}
	}
	if len(cc.invalidated) != 1 {
		t.Fatalf("invalidations = %d", len(cc.invalidated))
	}
}

func TestDeleteTripChildFailureLeavesParent(t *testing.T) {
	store := &stubStore{msgErr: errors.New("timeout")}
	cc := &stubCache{}
	notify := &stubNotifier{}
	ops := NewOperations(store, cc, notify, nil)

	if err := ops.DeleteTrip(context.Background(), "t-1"); err == nil {
		t.Fatal("expected error")
	}
	for _, call := range store.calls {
		if call == "delete_trip" {
			t.Fatal("parent delete must not run after child failure")
		}
	}
	if len(cc.invalidated) != 0 {
		t.Fatalf("cache touched on failure: %v", cc.invalidated)
	}
	if len(notify.errors) != 1 {
		t.Fatalf("error notifications = %d, want 1", len(notify.errors))
	}
}

func TestParseTripStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want TripStatus
		ok   bool
	}{
		{"scheduled", StatusScheduled, true},
		{"  Completed ", StatusCompleted, true},
		{"CANCELLED", StatusCancelled, true},
		{"in_progress", StatusInProgress, true},
		{"paused", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseTripStatus(tc.raw)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseTripStatus(%q) = %v, %v", tc.raw, got, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ParseTripStatus(%q) err = %v, want ErrInvalidInput", tc.raw, err)
		}
	}
}
