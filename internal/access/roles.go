package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"koormatics.org/internal/auth"
	"koormatics.org/internal/obs"
)

// RoleSuperAdmin grants access across every domain and page.
const RoleSuperAdmin = "super_admin"

// RoleSet is a normalized (lower-cased, deduplicated) set of role tags.
type RoleSet []string

// Has reports whether the set contains the role.
func (r RoleSet) Has(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	for _, tag := range r {
		if tag == role {
			return true
		}
	}
	return false
}

const (
	defaultRoleFreshTTL    = 10 * time.Minute
	defaultRoleEvictTTL    = 30 * time.Minute
	defaultRoleQueryBudget = 5 * time.Second
)

type roleCacheEntry struct {
	roles     RoleSet
	fetchedAt time.Time
}

// RoleResolver derives role tags for a session: identity-token claims when
// present (and trusted), otherwise the roles view. It never returns an error;
// query failures degrade to the claims result.
type RoleResolver struct {
	store       RoleStore
	now         func() time.Time
	trustClaims bool
	freshTTL    time.Duration
	evictTTL    time.Duration
	queryBudget time.Duration

	mu    sync.Mutex
	cache map[string]roleCacheEntry
}

// RoleResolverOption configures RoleResolver behavior.
type RoleResolverOption func(*RoleResolver)

// WithTrustClaims controls whether non-empty token claims short-circuit the
// database lookup. The shortcut assumes claims are at most one token-lifetime
// stale; disable it to always consult the view.
func WithTrustClaims(trust bool) RoleResolverOption {
	return func(r *RoleResolver) { r.trustClaims = trust }
}

// WithRoleTTL overrides the cache freshness and eviction windows.
func WithRoleTTL(fresh, evict time.Duration) RoleResolverOption {
	return func(r *RoleResolver) {
		if fresh > 0 {
			r.freshTTL = fresh
		}
		if evict > 0 {
			r.evictTTL = evict
		}
	}
}

// WithRoleQueryBudget overrides the advisory query timeout.
func WithRoleQueryBudget(d time.Duration) RoleResolverOption {
	return func(r *RoleResolver) {
		if d > 0 {
			r.queryBudget = d
		}
	}
}

// WithRoleClock overrides the time source (useful for tests).
func WithRoleClock(fn func() time.Time) RoleResolverOption {
	return func(r *RoleResolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRoleResolver constructs a resolver over the given store.
func NewRoleResolver(store RoleStore, opts ...RoleResolverOption) *RoleResolver {
	r := &RoleResolver{
		store:       store,
		now:         time.Now,
		trustClaims: true,
		freshTTL:    defaultRoleFreshTTL,
		evictTTL:    defaultRoleEvictTTL,
		queryBudget: defaultRoleQueryBudget,
		cache:       make(map[string]roleCacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the role set for the session. A nil session yields an
// empty set. The resolver never fails: any backend error is logged and the
// claims-derived result (possibly empty) is returned instead.
func (r *RoleResolver) Resolve(ctx context.Context, sess *auth.Session) RoleSet {
	if sess == nil || strings.TrimSpace(sess.UserID) == "" {
		return nil
	}

	claimRoles := RoleSet(sess.Roles)
	if r.trustClaims && len(claimRoles) > 0 {
		r.put(sess.UserID, claimRoles)
		return claimRoles
	}

	if cached, ok := r.lookup(sess.UserID); ok {
		return cached
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.queryBudget)
	defer cancel()
	rows, err := r.store.RolesForUser(queryCtx, sess.UserID)
	if err != nil {
		obs.LogError("access", "roles view query failed, falling back to claims", err)
		return claimRoles
	}
	roles := normalizeRoles(rows)
	r.put(sess.UserID, roles)
	return roles
}

// Invalidate drops the cached entry for a user, forcing the next Resolve to
// hit the view.
func (r *RoleResolver) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, userID)
}

func (r *RoleResolver) lookup(userID string) (RoleSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[userID]
	if !ok {
		return nil, false
	}
	age := r.now().Sub(entry.fetchedAt)
	if age > r.evictTTL {
		delete(r.cache, userID)
		return nil, false
	}
	if age > r.freshTTL {
		return nil, false
	}
	return entry.roles, true
}

func (r *RoleResolver) put(userID string, roles RoleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[userID] = roleCacheEntry{roles: roles, fetchedAt: r.now()}
}

func normalizeRoles(raw []string) RoleSet {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	var out RoleSet
	for _, role := range raw {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
