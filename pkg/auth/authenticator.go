// Package auth establishes sessions against the secret backend.
//
// A Scheme describes how to log in. An Authenticator binds a Scheme to a
// backend.Dialer and turns a successful login into an immutable Session.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/internal/logging"
	"github.com/systmms/vaultkit/internal/metrics"
)

// Scheme is a credential scheme. The set of schemes is closed: AppRole,
// StaticToken, PlatformIdentity and AWSIdentity.
type Scheme interface {
	// Name identifies the scheme in logs, metrics and errors.
	Name() string

	login(ctx context.Context, a *Authenticator, client *api.Client) (*grant, error)
	destroy()
}

// grant is what a successful login yields.
type grant struct {
	token    string
	ttl      time.Duration
	expires  time.Time
	policies []string
}

// Authenticator produces sessions for one scheme against one backend.
type Authenticator struct {
	scheme  Scheme
	dialer  backend.Dialer
	logger  *logging.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// WithMetrics records auth attempts on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(a *Authenticator) { a.metrics = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New binds scheme to dialer.
func New(scheme Scheme, dialer backend.Dialer, opts ...Option) *Authenticator {
	a := &Authenticator{
		scheme: scheme,
		dialer: dialer,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Scheme returns the configured scheme.
func (a *Authenticator) Scheme() Scheme {
	return a.scheme
}

// Authenticate performs a full login and returns a new Session.
//
// Backend refusals surface as *AuthError. Transport failures are returned
// as plain wrapped errors so callers can tell them apart.
func (a *Authenticator) Authenticate(ctx context.Context) (*Session, error) {
	name := a.scheme.Name()

	client, err := a.dialer.Dial("")
	if err != nil {
		return nil, fmt.Errorf("%s login: %w", name, err)
	}

	issued := a.now()
	g, err := a.scheme.login(ctx, a, client)
	if err != nil {
		a.metrics.RecordAuth(name, false)
		a.logger.Warn("Authentication with %s scheme failed: %v", name, err)
		return nil, err
	}
	a.metrics.RecordAuth(name, true)

	client.SetToken(g.token)

	expires := g.expires
	if expires.IsZero() && g.ttl > 0 {
		expires = issued.Add(g.ttl)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Address:   a.dialer.Address,
		Namespace: a.dialer.Namespace,
		Scheme:    name,
		Policies:  g.policies,
		IssuedAt:  issued,
		ExpiresAt: expires,
		client:    client,
	}

	if expires.IsZero() {
		a.logger.Debug("Authenticated with %s scheme (session %s, token %s, no expiry)", name, s.ID, logging.Token(g.token))
	} else {
		a.logger.Debug("Authenticated with %s scheme (session %s, token %s, expires %s)", name, s.ID, logging.Token(g.token), expires.Format(time.RFC3339))
	}
	return s, nil
}

// Close wipes sealed credential material held by the scheme.
func (a *Authenticator) Close() {
	a.scheme.destroy()
}

// loginWith writes a login request and maps backend refusals to AuthError.
func loginWith(ctx context.Context, client *api.Client, scheme, mount string, body map[string]interface{}) (*grant, error) {
	secret, err := client.Logical().WriteWithContext(ctx, "auth/"+mount+"/login", body)
	if err != nil {
		switch backend.Classify(err) {
		case backend.Forbidden:
			return nil, &AuthError{Reason: Forbidden, Scheme: scheme, Err: err}
		case backend.InvalidRequest:
			return nil, &AuthError{Reason: InvalidCredentials, Scheme: scheme, Err: err}
		default:
			return nil, fmt.Errorf("%s login: %w", scheme, err)
		}
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return nil, &AuthError{Reason: InvalidCredentials, Scheme: scheme, Err: fmt.Errorf("login returned no token")}
	}

	return &grant{
		token:    secret.Auth.ClientToken,
		ttl:      time.Duration(secret.Auth.LeaseDuration) * time.Second,
		policies: secret.Auth.Policies,
	}, nil
}

func mountOr(mount, fallback string) string {
	if mount == "" {
		return fallback
	}
	return mount
}
