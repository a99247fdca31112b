package access

import (
	"testing"

	"koormatics.org/internal/auth"
)

type recordingClearer struct{ calls int }

func (c *recordingClearer) ClearAll() { c.calls++ }

func baseInput() GuardInput {
	return GuardInput{
		Session:       &auth.Session{UserID: "u1", Roles: []string{"manager"}},
		Roles:         RoleSet{"manager"},
		TenantAllowed: true,
		Pages:         PageSet{"trips", "dashboard"},
		PageID:        "trips",
	}
}

func TestGuardNeverRedirectsWhileLoading(t *testing.T) {
	for _, mutate := range []func(*GuardInput){
		func(in *GuardInput) { in.AuthLoading = true },
		func(in *GuardInput) { in.RolesLoading = true },
		func(in *GuardInput) { in.TenantLoading = true },
	} {
		in := baseInput()
		in.TenantAllowed = false // would otherwise deny
		mutate(&in)
		d := Evaluate(in)
		if d.State != StateLoading {
			t.Fatalf("expected loading, got %+v", d)
		}
		if d.SignOut || d.Redirect != "" || d.ClearCaches {
			t.Fatalf("loading decision carried side effects: %+v", d)
		}
	}
}

func TestGuardEmptyRolesGracePeriod(t *testing.T) {
	in := baseInput()
	in.Roles = nil
	in.TenantAllowed = false
	if d := Evaluate(in); d.State != StateLoading {
		t.Fatalf("expected grace-period loading, got %+v", d)
	}
}

func TestGuardTenantDenialSignsOut(t *testing.T) {
	in := baseInput()
	in.TenantAllowed = false
	d := Evaluate(in)
	if d.State != StateDenied || d.Reason != ReasonTenantScope {
		t.Fatalf("expected tenant denial, got %+v", d)
	}
	if !d.SignOut || d.Redirect != auth.SignInRoute || !d.ClearCaches {
		t.Fatalf("denial must sign out and redirect: %+v", d)
	}
	if len(d.ClearKeys) == 0 {
		t.Fatalf("denial must name the storage keys to clear")
	}
}

func TestGuardPageDenial(t *testing.T) {
	in := baseInput()
	in.PageID = "invoices"
	d := Evaluate(in)
	if d.State != StateDenied || d.Reason != ReasonPageAccess {
		t.Fatalf("expected page denial, got %+v", d)
	}
}

func TestGuardWildcardShortCircuit(t *testing.T) {
	in := baseInput()
	in.Pages = PageSet{Wildcard}
	for _, page := range []string{"trips", "invoices", "never-registered-page"} {
		in.PageID = page
		if d := Evaluate(in); d.State != StateAllowed {
			t.Fatalf("wildcard must allow %q, got %+v", page, d)
		}
	}
}

func TestGuardDashboardNormalization(t *testing.T) {
	in := baseInput()
	in.PageID = "dashboard-fleet"

	in.Pages = PageSet{"dashboard"}
	if d := Evaluate(in); d.State != StateAllowed {
		t.Fatalf("dashboard-fleet should be granted via dashboard, got %+v", d)
	}

	in.Pages = PageSet{"dashboard-fleet"}
	if d := Evaluate(in); d.State != StateAllowed {
		t.Fatalf("exact id should be granted, got %+v", d)
	}

	in.Pages = PageSet{"trips"}
	if d := Evaluate(in); d.State != StateDenied {
		t.Fatalf("unrelated set should deny, got %+v", d)
	}
}

func TestGuardPageLoadingDefersDenial(t *testing.T) {
	in := baseInput()
	in.PageID = "invoices"
	in.PageAccessLoading = true
	if d := Evaluate(in); d.State != StateAllowed {
		t.Fatalf("unsettled page data must not deny, got %+v", d)
	}
}

func TestGuardDevModeBypassesDenials(t *testing.T) {
	in := baseInput()
	in.DevMode = true
	in.TenantAllowed = false
	in.PageID = "invoices"
	if d := Evaluate(in); d.State != StateAllowed {
		t.Fatalf("dev mode must bypass denials, got %+v", d)
	}

	in.PageAccessLoading = true
	if d := Evaluate(in); d.State != StateLoading {
		t.Fatalf("dev mode still spins while page data loads, got %+v", d)
	}
}

func TestGuardSideEffectsFireOncePerDenial(t *testing.T) {
	var signOuts int
	clearer := &recordingClearer{}
	g := NewGuard(func(string) { signOuts++ }, clearer)

	in := baseInput()
	in.TenantAllowed = false

	for i := 0; i < 3; i++ {
		if d := g.Check(in); d.State != StateDenied {
			t.Fatalf("expected denial, got %+v", d)
		}
	}
	if signOuts != 1 || clearer.calls != 1 {
		t.Fatalf("side effects must fire once, got signOuts=%d clears=%d", signOuts, clearer.calls)
	}

	// Allowed interlude resets the edge, a new denial fires again.
	in.TenantAllowed = true
	if d := g.Check(in); d.State != StateAllowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	in.TenantAllowed = false
	g.Check(in)
	if signOuts != 2 {
		t.Fatalf("fresh denial must fire side effects, got %d", signOuts)
	}
}
