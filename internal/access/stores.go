package access

import "context"

// RoleStore reads role rows from the backing database.
type RoleStore interface {
	// RolesForUser queries the roles view keyed by user id.
	RolesForUser(ctx context.Context, userID string) ([]string, error)
	// HasSuperAdmin checks the raw roles table directly, bypassing views.
	HasSuperAdmin(ctx context.Context, userID string) (bool, error)
}

// PageStore reads the per-user page access view.
type PageStore interface {
	PagesForUser(ctx context.Context, userID string) ([]string, error)
}
