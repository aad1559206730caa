// Package client is the entry point of vaultkit. A Client resolves its
// configuration once and exposes the KV and database engines over a single
// shared session.
//
//	c, err := client.New(ctx, nil) // configuration from VAULT_* variables
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	secret, err := c.KV.Read(ctx, "configuration/mysecret")
package client

import (
	"context"
	"time"

	dserrors "github.com/systmms/vaultkit/internal/errors"
	"github.com/systmms/vaultkit/internal/logging"
	"github.com/systmms/vaultkit/internal/metrics"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/config"
	"github.com/systmms/vaultkit/pkg/database"
	"github.com/systmms/vaultkit/pkg/kv"
	"github.com/systmms/vaultkit/pkg/session"
)

// ConfigurationError is returned when no usable configuration could be
// resolved.
type ConfigurationError = dserrors.ConfigError

// EngineConfigurationError is returned when an engine is missing a
// required parameter.
type EngineConfigurationError = dserrors.EngineConfigError

// AuthError is returned when the backend refuses a login or a renewed
// session.
type AuthError = auth.AuthError

// Client bundles the secret engines. KV is always set. DB is set only when
// the configuration has a database section.
type Client struct {
	KV *kv.Engine
	DB *database.Engine

	cfg      *config.Config
	authn    *auth.Authenticator
	sessions *session.Manager
	logger   *logging.Logger
}

type options struct {
	logger  *logging.Logger
	lookup  config.LookupFunc
	now     func() time.Time
	metrics *metrics.Recorder
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEnv replaces the process environment as the fallback configuration
// source.
func WithEnv(lookup config.LookupFunc) Option {
	return func(o *options) { o.lookup = lookup }
}

// WithClock overrides time.Now for session expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records metrics on r regardless of the configuration's
// metrics flag.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) { o.metrics = r }
}

// New resolves configuration (explicit first, then the environment),
// builds the session manager and constructs the engines. Engine
// construction configures their mounts, so New authenticates once.
func New(ctx context.Context, explicit *config.Config, opts ...Option) (*Client, error) {
	o := options{logger: logging.Nop(), lookup: config.Environ(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Resolve(explicit, o.lookup)
	if err != nil {
		return nil, err
	}
	if o.metrics == nil && cfg.Metrics {
		o.metrics = metrics.NewRecorder()
	}

	scheme, err := cfg.Scheme()
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("backend", cfg.Address)
	authn := auth.New(scheme, cfg.Dialer(),
		auth.WithLogger(logger),
		auth.WithMetrics(o.metrics),
		auth.WithClock(o.now),
	)
	sessions := session.NewManager(authn,
		session.WithLogger(logger),
		session.WithMetrics(o.metrics),
		session.WithClock(o.now),
	)

	c := &Client{cfg: cfg, authn: authn, sessions: sessions, logger: logger}

	c.KV, err = kv.New(ctx, sessions, cfg.KVConfig(), kv.WithLogger(logger), kv.WithMetrics(o.metrics))
	if err != nil {
		c.Close()
		return nil, err
	}

	if dbCfg, ok := cfg.DatabaseConfig(); ok {
		c.DB, err = database.New(ctx, sessions, dbCfg, database.WithLogger(logger), database.WithMetrics(o.metrics))
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	logger.Info("Client ready (scheme %s, namespace %q, kv mount %s, database enabled: %t)",
		scheme.Name(), cfg.Namespace, cfg.KV.MountPoint, c.DB != nil)
	return c, nil
}

// Session returns the live session, authenticating or renewing if needed.
func (c *Client) Session(ctx context.Context) (*auth.Session, error) {
	return c.sessions.Current(ctx)
}

// State reports the session lifecycle state.
func (c *Client) State() session.State {
	return c.sessions.State()
}

// Config returns a copy of the resolved configuration.
func (c *Client) Config() config.Config {
	return *c.cfg
}

// Close drops the session and wipes sealed credential material. AppRole
// and token clients cannot authenticate again afterwards.
func (c *Client) Close() {
	c.sessions.Drop()
	c.authn.Close()
	c.logger.Debug("Client closed")
}
