// Package session owns the live backend session and the policy for
// renewing it.
//
// A Manager renews proactively when the session's known expiry is within
// the skew window, and reactively through InvalidateAndRenew when a call
// comes back unauthorized. Do applies the reactive path to any backend
// call, retrying it exactly once.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	dserrors "github.com/systmms/vaultkit/internal/errors"
	"github.com/systmms/vaultkit/internal/logging"
	"github.com/systmms/vaultkit/internal/metrics"
	"github.com/systmms/vaultkit/pkg/auth"
)

// DefaultSkew is how early a session with known expiry is renewed.
const DefaultSkew = 5 * time.Second

// State is the lifecycle state of a Manager.
type State int32

const (
	Unauthenticated State = iota
	Authenticated
	Expired
	// Failed is terminal: renewal was refused by the backend.
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Authenticator performs a full login.
type Authenticator interface {
	Authenticate(ctx context.Context) (*auth.Session, error)
}

// Manager holds the current session. It is safe for concurrent use.
type Manager struct {
	authn   Authenticator
	current atomic.Pointer[auth.Session]
	state   atomic.Int32
	group   singleflight.Group

	mu      sync.Mutex
	failure error

	skew    time.Duration
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithSkew sets the proactive renewal window.
func WithSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records renewals and retries on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager returns an unauthenticated manager. No network call is made
// until the first Current.
func NewManager(authn Authenticator, opts ...Option) *Manager {
	m := &Manager{
		authn:  authn,
		skew:   DefaultSkew,
		now:    time.Now,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Current returns a usable session, authenticating first if there is none
// or renewing if the known expiry is within the skew window.
func (m *Manager) Current(ctx context.Context) (*auth.Session, error) {
	if err := m.failed(); err != nil {
		return nil, err
	}

	s := m.current.Load()
	switch {
	case s == nil:
		return m.renew(ctx, metrics.TriggerInitial)
	case s.ExpiresWithin(m.now(), m.skew):
		m.state.Store(int32(Expired))
		return m.renew(ctx, metrics.TriggerExpiry)
	default:
		return s, nil
	}
}

// InvalidateAndRenew discards the current session and re-authenticates.
func (m *Manager) InvalidateAndRenew(ctx context.Context) (*auth.Session, error) {
	if err := m.failed(); err != nil {
		return nil, err
	}
	if m.current.Load() != nil {
		m.state.Store(int32(Expired))
	}
	return m.renew(ctx, metrics.TriggerForbidden)
}

// Drop forgets the current session. The next Current authenticates again.
func (m *Manager) Drop() {
	m.current.Store(nil)
	if m.State() != Failed {
		m.state.Store(int32(Unauthenticated))
	}
}

func (m *Manager) failed() error {
	if m.State() != Failed {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// renew collapses concurrent renewals into one login per trigger. The
// shared login runs detached from any single caller's cancellation; each
// caller still stops waiting when its own ctx is done.
func (m *Manager) renew(ctx context.Context, trigger string) (*auth.Session, error) {
	login := context.WithoutCancel(ctx)
	ch := m.group.DoChan(trigger, func() (interface{}, error) {
		// A renewal that finished while this caller waited makes another
		// one unnecessary, except when the backend just refused the session.
		if trigger != metrics.TriggerForbidden {
			if s := m.current.Load(); s != nil && !s.ExpiresWithin(m.now(), m.skew) {
				return s, nil
			}
		}

		m.metrics.RecordRenewal(trigger)
		s, err := m.authn.Authenticate(login)
		if err != nil {
			if _, ok := auth.AsAuthError(err); ok {
				m.mu.Lock()
				m.failure = err
				m.mu.Unlock()
				m.state.Store(int32(Failed))
				m.logger.Error("Session renewal (%s) refused, giving up: %v", trigger, err)
				return nil, err
			}
			if dserrors.IsRetryable(err) {
				m.logger.Warn("Session renewal (%s) failed, will retry on next call: %v", trigger, err)
			} else {
				m.logger.Error("Session renewal (%s) failed: %v", trigger, err)
			}
			return nil, err
		}

		m.current.Store(s)
		m.state.Store(int32(Authenticated))
		m.logger.Debug("Session %s established (trigger: %s)", s.ID, trigger)
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*auth.Session), nil
	}
}
