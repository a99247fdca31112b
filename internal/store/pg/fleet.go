package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"koormatics.org/internal/fleet"
)

var _ fleet.Store = (*Store)(nil)

const tripColumns = `
	id, client_id, coalesce(vehicle_id,''), coalesce(driver_id,''), status,
	origin, destination, scheduled_at, started_at, completed_at,
	coalesce(cancel_reason,''), created_at, updated_at`

func scanTrip(row interface{ Scan(...any) error }) (fleet.Trip, error) {
	var (
		t       fleet.Trip
		status  string
		started sql.NullTime
		done    sql.NullTime
	)
	err := row.Scan(&t.ID, &t.ClientID, &t.VehicleID, &t.DriverID, &status,
		&t.Origin, &t.Destination, &t.ScheduledAt, &started, &done,
		&t.CancelReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fleet.Trip{}, err
	}
	t.Status = fleet.TripStatus(status)
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if done.Valid {
		t.CompletedAt = &done.Time
	}
	return t, nil
}

func (s *Store) GetTrip(ctx context.Context, tripID string) (fleet.Trip, error) {
	if s.db == nil {
		return fleet.Trip{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `select `+tripColumns+` from trips where id = $1`, tripID)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Trip{}, fleet.ErrNotFound
	}
	if err != nil {
		return fleet.Trip{}, err
	}
	return t, nil
}

func (s *Store) ListTrips(ctx context.Context, filter fleet.ListFilter) ([]fleet.Trip, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where := []string{}
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ClientID != "" {
		args = append(args, filter.ClientID)
		where = append(where, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if filter.DriverID != "" {
		args = append(args, filter.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	query := `select ` + tripColumns + ` from trips`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" order by scheduled_at desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []fleet.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trips, nil
}

func (s *Store) UpdateTripStatus(ctx context.Context, tripID string, status fleet.TripStatus, reason string) (fleet.Trip, error) {
	if s.db == nil {
		return fleet.Trip{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		update trips set
			status = $2,
			cancel_reason = nullif($3, ''),
			started_at = case when $2 = 'in_progress' and started_at is null then now() else started_at end,
			completed_at = case when $2 in ('completed','cancelled') then now() else completed_at end,
			updated_at = now()
		where id = $1
		returning `+tripColumns+`
	`, tripID, string(status), reason)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Trip{}, fleet.ErrNotFound
	}
	if err != nil {
		return fleet.Trip{}, err
	}
	return t, nil
}

func (s *Store) AssignDriver(ctx context.Context, tripID, driverID string) (fleet.Trip, error) {
	if s.db == nil {
		return fleet.Trip{}, errors.New("database connection unavailable")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fleet.Trip{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into trip_assignments (trip_id, driver_id)
		values ($1, $2)
		on conflict (trip_id) do update set driver_id = excluded.driver_id, assigned_at = now()
	`, tripID, driverID); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fleet.Trip{}, fleet.ErrNotFound
		}
		return fleet.Trip{}, err
	}

	row := tx.QueryRowContext(ctx, `
		update trips set driver_id = $2, updated_at = now()
		where id = $1
		returning `+tripColumns+`
	`, tripID, driverID)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Trip{}, fleet.ErrNotFound
	}
	if err != nil {
		return fleet.Trip{}, err
	}

	if err := tx.Commit(); err != nil {
		return fleet.Trip{}, err
	}
	return t, nil
}

func (s *Store) DeleteTripMessages(ctx context.Context, tripID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `delete from trip_messages where trip_id = $1`, tripID)
	return err
}

func (s *Store) DeleteTripAssignments(ctx context.Context, tripID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `delete from trip_assignments where trip_id = $1`, tripID)
	return err
}

func (s *Store) DeleteTrip(ctx context.Context, tripID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from trips where id = $1`, tripID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fleet.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
