package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"koormatics.org/internal/auth"
	"koormatics.org/internal/obs"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Roles     []string  `json:"roles"`
}

type signOutResponse struct {
	Redirect  string   `json:"redirect"`
	ClearKeys []string `json:"clear_keys"`
}

const tokenTTL = 12 * time.Hour

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := a.deps.Users.UserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		obs.LogError("httpapi", "lookup user for sign-in", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if user.Status != auth.UserStatusActive {
		writeError(w, r, http.StatusUnauthorized, "account disabled")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var roles []string
	if a.deps.RoleSource != nil {
		roles, err = a.deps.RoleSource.RolesForUser(r.Context(), user.ID)
		if err != nil {
			// Roles ride in the token as a fast path only; sign-in still
			// works when the role query fails.
			obs.LogError("httpapi", "load roles for token", err)
			roles = nil
		}
	}

	token, err := auth.GenerateToken(user.ID, user.Email, roles, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.record(r, "auth.signed_in", map[string]any{
		"email": user.Email,
		"roles": roles,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(tokenTTL),
		Roles:     roles,
	})
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	if sess, ok := auth.SessionFromContext(r.Context()); ok {
		if a.deps.Roles != nil {
			a.deps.Roles.Invalidate(sess.UserID)
		}
		if a.deps.Pages != nil {
			a.deps.Pages.Invalidate(sess.UserID)
		}
		a.record(r, "auth.signed_out", map[string]any{"email": sess.Email})
	}
	if a.deps.Caches != nil {
		a.deps.Caches.ClearAll()
	}

	writeJSON(w, http.StatusOK, signOutResponse{
		Redirect:  auth.SignInRoute,
		ClearKeys: auth.StorageKeys,
	})
}

func (a *API) record(r *http.Request, event string, fields map[string]any) {
	if a.deps.Activity == nil {
		return
	}
	a.deps.Activity.Record(r.Context(), event, fields)
}
