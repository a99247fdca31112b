package access

import (
	"strings"
	"sync"

	"koormatics.org/internal/auth"
	"koormatics.org/internal/obs"
)

// GuardState is the resolution of an access check.
type GuardState string

const (
	StateLoading GuardState = "loading"
	StateAllowed GuardState = "allowed"
	StateDenied  GuardState = "denied"
)

// Denial reasons reported alongside StateDenied.
const (
	ReasonTenantScope = "tenant_scope"
	ReasonPageAccess  = "page_access"
)

// GuardInput is everything the guard consumes for one evaluation. Loading
// flags mirror the in-flight state of the corresponding resolvers.
type GuardInput struct {
	AuthLoading       bool
	RolesLoading      bool
	TenantLoading     bool
	PageAccessLoading bool

	Session       *auth.Session
	Roles         RoleSet
	TenantAllowed bool
	Pages         PageSet
	PageID        string

	DevMode bool
}

// Decision is the guard's output. SignOut and ClearKeys/ClearCaches describe
// the side effects a denial requires; the pure evaluation never performs
// them itself.
type Decision struct {
	State       GuardState
	Reason      string
	Redirect    string
	SignOut     bool
	ClearCaches bool
	ClearKeys   []string
}

func loading() Decision {
	return Decision{State: StateLoading}
}

func allowed() Decision {
	return Decision{State: StateAllowed}
}

func denied(reason string) Decision {
	return Decision{
		State:       StateDenied,
		Reason:      reason,
		Redirect:    auth.SignInRoute,
		SignOut:     true,
		ClearCaches: true,
		ClearKeys:   auth.StorageKeys,
	}
}

// Evaluate runs the guard transition rules in order. It is pure: identical
// inputs always produce identical decisions and no side effects occur here.
//
//  1. any resolver still loading -> loading, never redirect
//  2. user present with empty roles while roles are settled -> still loading
//     (grace period for the login/role-propagation race)
//  3. outside dev mode, tenant out of scope with a user present -> denied
//  4. requested page absent from a settled access set (after dashboard
//     normalization) without a wildcard -> denied
//  5. otherwise allowed
func Evaluate(in GuardInput) Decision {
	if in.AuthLoading || in.RolesLoading || in.TenantLoading {
		return loading()
	}
	if in.Session != nil && len(in.Roles) == 0 && !in.RolesLoading {
		return loading()
	}

	if in.DevMode {
		// Developer convenience bypass, not a security boundary. A brief
		// spinner still shows while page data is in flight for a user.
		if in.PageAccessLoading && in.Session != nil {
			return loading()
		}
		return allowed()
	}

	if !in.TenantAllowed && in.Session != nil {
		return denied(ReasonTenantScope)
	}

	if in.PageID != "" && !in.PageAccessLoading {
		if !pageGranted(in.Pages, in.PageID) {
			return denied(ReasonPageAccess)
		}
	}

	return allowed()
}

// pageGranted applies the wildcard short-circuit and dashboard
// normalization: "dashboard-fleet" is granted by either "dashboard-fleet"
// or "dashboard".
func pageGranted(pages PageSet, pageID string) bool {
	if pages.HasWildcard() {
		return true
	}
	if pages.Has(pageID) {
		return true
	}
	if normalized, ok := strings.CutPrefix(pageID, "dashboard-"); ok && normalized != "" {
		return pages.Has("dashboard")
	}
	return false
}

// SignOutFunc performs a local-scope sign out for a user.
type SignOutFunc func(userID string)

// CacheClearer drops client-visible cached query data.
type CacheClearer interface {
	ClearAll()
}

// Guard wraps Evaluate with side-effect execution. Denial side effects
// (sign-out, cache clear) fire at most once per distinct denial; repeated
// evaluations with unchanged inputs are no-ops beyond returning the same
// decision.
type Guard struct {
	signOut SignOutFunc
	caches  CacheClearer

	mu        sync.Mutex
	lastState GuardState
	lastUser  string
}

// NewGuard constructs a guard with the given side-effect hooks. Either hook
// may be nil.
func NewGuard(signOut SignOutFunc, caches CacheClearer) *Guard {
	return &Guard{signOut: signOut, caches: caches}
}

// Check evaluates the input and, on a fresh denial, performs the sign-out
// and cache-clear side effects.
func (g *Guard) Check(in GuardInput) Decision {
	decision := Evaluate(in)

	userID := ""
	if in.Session != nil {
		userID = in.Session.UserID
	}

	g.mu.Lock()
	repeat := decision.State == g.lastState && userID == g.lastUser
	g.lastState = decision.State
	g.lastUser = userID
	g.mu.Unlock()

	if decision.State != StateDenied || repeat {
		return decision
	}

	obs.LogRequest(map[string]any{
		"level":   "warn",
		"event":   "access.denied",
		"reason":  decision.Reason,
		"user_id": userID,
		"page_id": in.PageID,
	})
	if decision.SignOut && g.signOut != nil && userID != "" {
		g.signOut(userID)
	}
	if decision.ClearCaches && g.caches != nil {
		g.caches.ClearAll()
	}
	return decision
}
