package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"koormatics.org/internal/access"
	"koormatics.org/internal/activity"
	"koormatics.org/internal/auth"
	"koormatics.org/internal/fleet"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestRolesForUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select role_slug").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"role_slug"}).
			AddRow("fleet_manager").
			AddRow("  Dispatcher ").
			AddRow(""))

	roles, err := store.RolesForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("RolesForUser: %v", err)
	}
	want := []string{"fleet_manager", "dispatcher"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRolesForUserMissingView(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select role_slug").
		WithArgs("user-1").
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "user_roles_view" does not exist`})

	_, err := store.RolesForUser(context.Background(), "user-1")
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "42P01" {
		t.Fatalf("err = %v, want pg error 42P01", err)
	}
}

func TestHasSuperAdmin(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select exists").
		WithArgs("user-1", access.RoleSuperAdmin).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.HasSuperAdmin(context.Background(), "user-1")
	if err != nil || !ok {
		t.Fatalf("HasSuperAdmin = %v, %v", ok, err)
	}
}

func TestPagesForUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select page_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"page_id"}).
			AddRow("trips").
			AddRow("vehicles"))

	pages, err := store.PagesForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("PagesForUser: %v", err)
	}
	if len(pages) != 2 || pages[0] != "trips" || pages[1] != "vehicles" {
		t.Fatalf("pages = %v", pages)
	}
}

func TestUserByEmailNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, email, password_hash").
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "status", "created_at", "updated_at"}))

	_, err := store.UserByEmail(context.Background(), "nobody@example.com")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "ops@example.com", "hash", auth.UserStatusActive).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateUser(context.Background(), "ops@example.com", "hash")
	if !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func tripRow(id string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "client_id", "vehicle_id", "driver_id", "status",
		"origin", "destination", "scheduled_at", "started_at", "completed_at",
		"cancel_reason", "created_at", "updated_at",
	}).AddRow(id, "c-1", "v-1", "d-1", "scheduled",
		"Depot A", "Site B", now, nil, nil,
		"", now, now)
}

func TestGetTrip(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select(.|\n)+from trips where id").
		WithArgs("t-1").
		WillReturnRows(tripRow("t-1"))

	trip, err := store.GetTrip(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if trip.ID != "t-1" || trip.Status != fleet.StatusScheduled {
		t.Fatalf("trip = %+v", trip)
	}
	if trip.StartedAt != nil || trip.CompletedAt != nil {
		t.Fatalf("expected nil timestamps, got %+v", trip)
	}
}

func TestGetTripNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select(.|\n)+from trips where id").
		WithArgs("t-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.GetTrip(context.Background(), "t-missing"); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTripStatus(t *testing.T) {
	store, mock := newMockStore(t)

	rows := tripRow("t-1")
	mock.ExpectQuery("update trips set").
		WithArgs("t-1", "cancelled", "client no-show").
		WillReturnRows(rows)

	trip, err := store.UpdateTripStatus(context.Background(), "t-1", fleet.StatusCancelled, "client no-show")
	if err != nil {
		t.Fatalf("UpdateTripStatus: %v", err)
	}
	if trip.ID != "t-1" {
		t.Fatalf("trip = %+v", trip)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignDriverTx(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into trip_assignments").
		WithArgs("t-1", "d-9").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("update trips set driver_id").
		WithArgs("t-1", "d-9").
		WillReturnRows(tripRow("t-1"))
	mock.ExpectCommit()

	if _, err := store.AssignDriver(context.Background(), "t-1", "d-9"); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignDriverUnknownDriver(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into trip_assignments").
		WithArgs("t-1", "d-ghost").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	if _, err := store.AssignDriver(context.Background(), "t-1", "d-ghost"); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTripOrder(t *testing.T) {
	store, mock := newMockStore(t)

	// Ordered expectations: children before parent.
	mock.ExpectExec("delete from trip_messages").
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from trip_assignments").
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from trips").
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := store.DeleteTripMessages(ctx, "t-1"); err != nil {
		t.Fatalf("DeleteTripMessages: %v", err)
	}
	if err := store.DeleteTripAssignments(ctx, "t-1"); err != nil {
		t.Fatalf("DeleteTripAssignments: %v", err)
	}
	if err := store.DeleteTrip(ctx, "t-1"); err != nil {
		t.Fatalf("DeleteTrip: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteTripNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("delete from trips").
		WithArgs("t-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteTrip(context.Background(), "t-missing"); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestActivityAppend(t *testing.T) {
	store, mock := newMockStore(t)

	entry := activity.Entry{
		ID:         "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		OccurredAt: time.Now().UTC(),
		UserID:     "user-1",
		RequestID:  "req-1",
		Event:      "trip.deleted",
		Fields:     map[string]any{"trip_id": "t-1"},
	}
	mock.ExpectExec("insert into activity_log").
		WithArgs(entry.ID, entry.OccurredAt, entry.UserID, entry.RequestID, entry.Event, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
