package access

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"koormatics.org/internal/obs"
)

// Wildcard grants access to every page, bypassing per-page checks.
const Wildcard = "*"

// PageSet is the set of page identifiers a user may view.
type PageSet []string

// Has reports whether the set contains the page id.
func (p PageSet) Has(pageID string) bool {
	for _, id := range p {
		if id == pageID {
			return true
		}
	}
	return false
}

// HasWildcard reports whether the set grants access to all pages.
func (p PageSet) HasWildcard() bool { return p.Has(Wildcard) }

const (
	defaultPageStaleTTL    = 30 * time.Second
	defaultPageQueryBudget = 5 * time.Second

	pgUndefinedTable = "42P01"
)

type pageCacheEntry struct {
	pages     PageSet
	fetchedAt time.Time
}

// PageResolver derives the page access set for a user from the access view,
// with a strict-deny posture: every error path except a missing relation
// resolves to the empty set. The cache only ever serves recent positive
// results; stale entries are requeried, never returned.
type PageResolver struct {
	store       PageStore
	roles       RoleStore
	now         func() time.Time
	staleTTL    time.Duration
	queryBudget time.Duration

	mu    sync.Mutex
	cache map[string]pageCacheEntry
}

// PageResolverOption configures PageResolver behavior.
type PageResolverOption func(*PageResolver)

// WithPageStaleTTL overrides the cache staleness window.
func WithPageStaleTTL(d time.Duration) PageResolverOption {
	return func(p *PageResolver) {
		if d > 0 {
			p.staleTTL = d
		}
	}
}

// WithPageQueryBudget overrides the advisory query timeout.
func WithPageQueryBudget(d time.Duration) PageResolverOption {
	return func(p *PageResolver) {
		if d > 0 {
			p.queryBudget = d
		}
	}
}

// WithPageClock overrides the time source (useful for tests).
func WithPageClock(fn func() time.Time) PageResolverOption {
	return func(p *PageResolver) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewPageResolver constructs a resolver. The role store backs the fallback
// path used when the access view is missing.
func NewPageResolver(store PageStore, roles RoleStore, opts ...PageResolverOption) *PageResolver {
	p := &PageResolver{
		store:       store,
		roles:       roles,
		now:         time.Now,
		staleTTL:    defaultPageStaleTTL,
		queryBudget: defaultPageQueryBudget,
		cache:       make(map[string]pageCacheEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve returns the page access set for the user. An empty user id yields
// the empty set. On a missing access view the raw roles table decides: a
// super_admin row grants the wildcard, anything else denies. Every other
// error denies.
func (p *PageResolver) Resolve(ctx context.Context, userID string) PageSet {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	if cached, ok := p.lookup(userID); ok {
		return cached
	}

	queryCtx, cancel := context.WithTimeout(ctx, p.queryBudget)
	defer cancel()
	rows, err := p.store.PagesForUser(queryCtx, userID)
	if err != nil {
		p.drop(userID)
		if missingRelation(err) {
			return p.resolveFromRawRoles(ctx, userID)
		}
		obs.LogError("access", "page access query failed, denying", err)
		return nil
	}

	pages := normalizePages(rows)
	p.put(userID, pages)
	return pages
}

// Invalidate drops the cached entry for a user.
func (p *PageResolver) Invalidate(userID string) {
	p.drop(userID)
}

func (p *PageResolver) resolveFromRawRoles(ctx context.Context, userID string) PageSet {
	queryCtx, cancel := context.WithTimeout(ctx, p.queryBudget)
	defer cancel()
	isSuper, err := p.roles.HasSuperAdmin(queryCtx, userID)
	if err != nil {
		obs.LogError("access", "raw roles fallback failed, denying", err)
		return nil
	}
	if !isSuper {
		return nil
	}
	pages := PageSet{Wildcard}
	p.put(userID, pages)
	return pages
}

func (p *PageResolver) lookup(userID string) (PageSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[userID]
	if !ok {
		return nil, false
	}
	if p.now().Sub(entry.fetchedAt) > p.staleTTL {
		delete(p.cache, userID)
		return nil, false
	}
	return entry.pages, true
}

func (p *PageResolver) put(userID string, pages PageSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[userID] = pageCacheEntry{pages: pages, fetchedAt: p.now()}
}

func (p *PageResolver) drop(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, userID)
}

// missingRelation distinguishes "view/table does not exist" from other
// database errors, first by SQLSTATE then by message inspection.
func missingRelation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUndefinedTable
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") && strings.Contains(msg, "relation")
}

func normalizePages(raw []string) PageSet {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	var out PageSet
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
