package auth

import (
	"strings"
	"time"
)

// SignInRoute is where denied or signed-out users are sent.
const SignInRoute = "/auth"

// StorageKeys are the browser storage keys the portal clients persist.
// They are returned on sign-out and on access denial so clients can clear
// them explicitly.
var StorageKeys = []string{
	"koormatics.rememberEmail",
	"koormatics.sessionToken",
}

// Session is the ephemeral, derived view of an authenticated user. It is
// reconstructed from the bearer token on every request and never persisted
// server-side.
type Session struct {
	UserID    string
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

// ParseSession derives a session from a bearer token. Any validation or
// transport failure yields (nil, error); callers treat that as "no user"
// rather than a hard failure.
func ParseSession(token string) (*Session, error) {
	claims, err := ParseAndValidate(token)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		UserID: strings.TrimSpace(claims.Subject),
		Email:  claims.Email,
		Roles:  claims.RoleTags(),
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// User represents a stored portal account. Password hashes never leave the
// store layer except through VerifyPassword.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)
