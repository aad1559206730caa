package auth

import (
	"time"

	"github.com/hashicorp/vault/api"
)

// Session is an authenticated backend connection. It is never mutated
// after Authenticate returns; renewal produces a new Session.
type Session struct {
	ID        string
	Address   string
	Namespace string
	Scheme    string
	Policies  []string
	IssuedAt  time.Time
	// ExpiresAt is zero when the backend reported no expiry.
	ExpiresAt time.Time

	client *api.Client
}

// NewSession wraps an already-authenticated client. Used by callers that
// hold a token outside of any Scheme, such as bootstrap with a root token.
func NewSession(id string, client *api.Client, issued, expires time.Time) *Session {
	return &Session{
		ID:        id,
		Address:   client.Address(),
		Namespace: client.Namespace(),
		Scheme:    "token",
		IssuedAt:  issued,
		ExpiresAt: expires,
		client:    client,
	}
}

// Client returns the backend client carrying this session's token.
func (s *Session) Client() *api.Client {
	return s.client
}

// ExpiresWithin reports whether the session expires before now+skew.
// Sessions with unknown expiry never expire proactively.
func (s *Session) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// TTL returns the remaining lifetime, or 0 when unknown or expired.
func (s *Session) TTL(now time.Time) time.Duration {
	if s.ExpiresAt.IsZero() || now.After(s.ExpiresAt) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}
