package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"koormatics.org/internal/access"
	"koormatics.org/internal/auth"
	"koormatics.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ access.RoleStore = (*Store)(nil)
	_ access.PageStore = (*Store)(nil)
)

// RolesForUser reads the flattened roles view for one user.
func (s *Store) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select role_slug
		from user_roles_view
		where user_id = $1
		order by role_slug
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		slug = strings.ToLower(strings.TrimSpace(slug))
		if slug != "" {
			roles = append(roles, slug)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// HasSuperAdmin checks the raw assignment table, not the view, so it still
// answers when the views are missing or broken.
func (s *Store) HasSuperAdmin(ctx context.Context, userID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from user_roles
			where user_id = $1 and role_slug = $2
		)
	`, userID, access.RoleSuperAdmin).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// PagesForUser reads the per-user page access view.
func (s *Store) PagesForUser(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select page_id
		from user_page_access_view
		where user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []string
	for rows.Next() {
		var page string
		if err := rows.Scan(&page); err != nil {
			return nil, err
		}
		if page = strings.TrimSpace(page); page != "" {
			pages = append(pages, page)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pages, nil
}

// UserByEmail loads an account for credential checks.
func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	var u auth.User
	err := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, status, created_at, updated_at
		from users
		where lower(email) = lower($1)
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// CreateUser inserts an account row.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	id := ids.New()
	var u auth.User
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, status)
		values ($1, lower($2), $3, $4)
		returning id, email, password_hash, status, created_at, updated_at
	`, id, email, passwordHash, auth.UserStatusActive).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, auth.ErrAlreadyExists
		}
		return auth.User{}, err
	}
	return u, nil
}

// GrantRole assigns a role slug to a user. Granting the same role twice is a
// no-op.
func (s *Store) GrantRole(ctx context.Context, userID, roleSlug string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	roleSlug = strings.ToLower(strings.TrimSpace(roleSlug))
	if roleSlug == "" {
		return auth.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_slug)
		values ($1, $2)
		on conflict (user_id, role_slug) do nothing
	`, userID, roleSlug)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

// RevokeRole removes a role assignment.
func (s *Store) RevokeRole(ctx context.Context, userID, roleSlug string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where user_id = $1 and role_slug = $2
	`, userID, strings.ToLower(strings.TrimSpace(roleSlug)))
	return err
}
