// Package database issues dynamic credentials from a database secrets
// engine mount and opens SQL connections with them.
//
// Leases are returned to the caller unchanged. This package never caches,
// renews or revokes them.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/systmms/vaultkit/internal/backend"
	dserrors "github.com/systmms/vaultkit/internal/errors"
	"github.com/systmms/vaultkit/internal/logging"
	"github.com/systmms/vaultkit/internal/metrics"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

const engineName = "database"

// Connection is a database connection registered with the mount.
// ConnectionURL may contain {{username}} and {{password}} placeholders.
type Connection struct {
	Name             string
	PluginName       string
	ConnectionURL    string
	AllowedRoles     []string
	Username         string
	Password         string
	VerifyConnection bool
}

func (c Connection) String() string {
	return fmt.Sprintf("Connection{Name: %s, PluginName: %s, ConnectionURL: %s, Username: %s, Password: [REDACTED]}",
		c.Name, c.PluginName, c.ConnectionURL, c.Username)
}

// Config describes the mount an Engine operates on. Connection is optional;
// when set it is registered during New.
type Config struct {
	MountPoint string
	Connection *Connection
}

// Credential is one dynamically issued database login.
type Credential struct {
	Role          string
	Username      string
	Password      string
	LeaseID       string
	LeaseDuration time.Duration
	Renewable     bool
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{Role: %s, Username: %s, Password: [REDACTED], LeaseID: %s, LeaseDuration: %s}",
		c.Role, c.Username, c.LeaseID, c.LeaseDuration)
}

// GoString keeps %#v from printing the password.
func (c Credential) GoString() string {
	return c.String()
}

// Opener opens a database handle for a driver and DSN.
type Opener func(driver, dsn string) (*sql.DB, error)

// Engine operates on one database secrets mount.
type Engine struct {
	sessions *session.Manager
	cfg      Config
	open     Opener
	logger   *logging.Logger
	metrics  *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records operations on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithOpener replaces sql.Open for Connect.
func WithOpener(open Opener) Option {
	return func(e *Engine) { e.open = open }
}

// New validates cfg and registers its connection, if any.
func New(ctx context.Context, sessions *session.Manager, cfg Config, opts ...Option) (*Engine, error) {
	cfg.MountPoint = strings.Trim(cfg.MountPoint, "/")
	if cfg.MountPoint == "" {
		return nil, dserrors.EngineConfigError{Engine: engineName, Field: "mount_point", Message: "mount point not specified"}
	}
	if c := cfg.Connection; c != nil {
		switch {
		case c.Name == "":
			return nil, dserrors.EngineConfigError{Engine: engineName, Field: "connection.name", Message: "connection name not specified"}
		case c.PluginName == "":
			return nil, dserrors.EngineConfigError{Engine: engineName, Field: "connection.plugin_name", Message: "plugin name not specified"}
		case c.ConnectionURL == "":
			return nil, dserrors.EngineConfigError{Engine: engineName, Field: "connection.connection_url", Message: "connection URL not specified"}
		}
	}

	e := &Engine{sessions: sessions, cfg: cfg, open: sql.Open, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Connection != nil {
		if err := e.register(ctx, *cfg.Connection); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Config returns the engine's mount configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) register(ctx context.Context, c Connection) error {
	start := time.Now()
	path := e.cfg.MountPoint + "/config/" + c.Name

	body := map[string]interface{}{
		"plugin_name":       c.PluginName,
		"connection_url":    c.ConnectionURL,
		"allowed_roles":     c.AllowedRoles,
		"verify_connection": c.VerifyConnection,
	}
	if c.Username != "" {
		body["username"] = c.Username
	}
	if c.Password != "" {
		body["password"] = c.Password
	}

	_, err := session.Do(ctx, e.sessions, "database.register", func(ctx context.Context, s *auth.Session) (*api.Secret, error) {
		return s.Client().Logical().WriteWithContext(ctx, path, body)
	})
	e.observe("register", start, err)
	if err != nil {
		return fmt.Errorf("registering database connection %s: %w", path, err)
	}

	e.logger.Debug("Registered database connection %s (%s)", path, c.PluginName)
	return nil
}

// GenerateCredentials requests a fresh credential for role. An unknown
// role yields nil without an error.
func (e *Engine) GenerateCredentials(ctx context.Context, role string) (*Credential, error) {
	if role == "" {
		return nil, fmt.Errorf("role must not be empty")
	}
	start := time.Now()
	path := e.cfg.MountPoint + "/creds/" + role

	cred, err := session.Do(ctx, e.sessions, "database.creds", func(ctx context.Context, s *auth.Session) (*Credential, error) {
		raw, err := s.Client().Logical().ReadWithContext(ctx, path)
		if err != nil {
			if unknownRole(err) {
				return nil, nil
			}
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		return &Credential{
			Role:          role,
			Username:      backend.String(raw.Data["username"]),
			Password:      backend.String(raw.Data["password"]),
			LeaseID:       raw.LeaseID,
			LeaseDuration: time.Duration(raw.LeaseDuration) * time.Second,
			Renewable:     raw.Renewable,
		}, nil
	})
	if err != nil {
		e.observe("creds", start, err)
		return nil, fmt.Errorf("generating credentials at %s: %w", path, err)
	}
	if cred == nil {
		e.metrics.RecordOperation(engineName, "creds", metrics.ResultNotFound, time.Since(start))
		e.logger.Warn("Database role %s not found on mount %s", role, e.cfg.MountPoint)
		return nil, nil
	}

	e.observe("creds", start, nil)
	e.logger.Debug("Issued credential for role %s (lease %s, %s)", role, cred.LeaseID, cred.LeaseDuration)
	return cred, nil
}

// unknownRole matches how the backend reports a missing role: a 404, or a
// 400 naming the role as unknown.
func unknownRole(err error) bool {
	switch backend.Classify(err) {
	case backend.NotFound:
		return true
	case backend.InvalidRequest:
		return backend.HasMessage(err, "unknown role")
	default:
		return false
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	e.metrics.RecordOperation(engineName, op, result, time.Since(start))
}
