package httpapi

import (
	"net/http"
	"strings"

	"koormatics.org/internal/access"
	"koormatics.org/internal/auth"
)

type evaluateRequest struct {
	PageID   string `json:"page_id"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
}

type evaluateResponse struct {
	State       access.GuardState `json:"state"`
	Reason      string            `json:"reason,omitempty"`
	Redirect    string            `json:"redirect,omitempty"`
	SignOut     bool              `json:"sign_out"`
	ClearCaches bool              `json:"clear_caches"`
	ClearKeys   []string          `json:"clear_keys,omitempty"`
	Domain      access.Domain     `json:"domain"`
	Roles       []string          `json:"roles"`
	Pages       []string          `json:"pages"`
}

// handleEvaluate runs one full access evaluation for the authenticated user:
// domain resolution, role and page lookup, then the guard rules.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	domain := access.ResolveDomain(req.Hostname, req.Domain, a.cfg.EnvDomain)
	roles := a.deps.Roles.Resolve(r.Context(), sess)
	pages := a.deps.Pages.Resolve(r.Context(), sess.UserID)

	in := access.GuardInput{
		Session:       sess,
		Roles:         roles,
		TenantAllowed: access.ScopeFor(roles, domain),
		Pages:         pages,
		PageID:        strings.TrimSpace(req.PageID),
		DevMode:       a.cfg.DevMode,
	}

	var decision access.Decision
	if a.deps.Guard != nil {
		decision = a.deps.Guard.Check(in)
	} else {
		decision = access.Evaluate(in)
	}

	writeJSON(w, http.StatusOK, evaluateResponse{
		State:       decision.State,
		Reason:      decision.Reason,
		Redirect:    decision.Redirect,
		SignOut:     decision.SignOut,
		ClearCaches: decision.ClearCaches,
		ClearKeys:   decision.ClearKeys,
		Domain:      domain,
		Roles:       roles,
		Pages:       pages,
	})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	roles := a.deps.Roles.Resolve(r.Context(), sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": sess.UserID,
		"roles":   roles,
	})
}

func (a *API) handlePages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	pages := a.deps.Pages.Resolve(r.Context(), sess.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  sess.UserID,
		"pages":    pages,
		"wildcard": pages.HasWildcard(),
	})
}
