// Package kv reads and writes versioned secrets in a KV version 2 mount.
//
// Every operation is a round trip; nothing is cached. Absent secrets are
// reported as nil results or false, never as errors.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	dserrors "github.com/systmms/vaultkit/internal/errors"
	"github.com/systmms/vaultkit/internal/logging"
	"github.com/systmms/vaultkit/internal/metrics"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

const engineName = "kv2"

// Config describes the mount an Engine operates on.
type Config struct {
	MountPoint string
	// MaxVersions is written to the mount only when positive. Zero keeps
	// whatever the mount has, which is 10 on a fresh mount.
	MaxVersions int
	CASRequired bool
	// RaiseOnDeletedVersion makes reads of a soft-deleted or destroyed
	// latest version report the secret as absent. When false such reads
	// return a Secret with Deleted set and no data.
	RaiseOnDeletedVersion bool
}

// DefaultConfig returns the configuration used when only a mount is known.
func DefaultConfig(mount string) Config {
	return Config{
		MountPoint:            mount,
		RaiseOnDeletedVersion: true,
	}
}

// Secret is one version of a secret. Data renders every field as a string;
// Raw keeps the values as the backend returned them, so numbers, lists and
// objects written by other clients survive a read-modify-write.
type Secret struct {
	Path        string
	Data        map[string]string
	Raw         map[string]interface{}
	Version     int
	CreatedTime time.Time
	Deleted     bool
}

// Engine operates on one KV v2 mount.
type Engine struct {
	sessions *session.Manager
	cfg      Config
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

// New configures the mount and returns an engine bound to it. Writing the
// mount configuration again with the same values is harmless.
func New(ctx context.Context, sessions *session.Manager, cfg Config, opts ...Option) (*Engine, error) {
	cfg.MountPoint = strings.Trim(cfg.MountPoint, "/")
	if cfg.MountPoint == "" {
		return nil, dserrors.EngineConfigError{Engine: engineName, Field: "mount_point", Message: "mount point not specified"}
	}
	if cfg.MaxVersions < 0 {
		return nil, dserrors.EngineConfigError{Engine: engineName, Field: "max_versions", Message: "must not be negative"}
	}

	e := &Engine{sessions: sessions, cfg: cfg, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}

	body := map[string]interface{}{"cas_required": cfg.CASRequired}
	if cfg.MaxVersions > 0 {
		body["max_versions"] = cfg.MaxVersions
	}

	start := time.Now()
	_, err := session.Do(ctx, sessions, "kv.configure", func(ctx context.Context, s *auth.Session) (*api.Secret, error) {
		return s.Client().Logical().WriteWithContext(ctx, e.cfg.MountPoint+"/config", body)
	})
	e.observe("configure", start, err)
	if err != nil {
		return nil, fmt.Errorf("configuring kv mount %s: %w", cfg.MountPoint, err)
	}

	e.logger.Debug("KV engine ready on mount %s (max_versions=%d, cas_required=%t)", cfg.MountPoint, cfg.MaxVersions, cfg.CASRequired)
	return e, nil
}

// Config returns the engine's mount configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) dataPath(path string) string {
	return e.cfg.MountPoint + "/data/" + cleanPath(path)
}

func (e *Engine) metadataPath(path string) string {
	p := cleanPath(path)
	if p == "" {
		return e.cfg.MountPoint + "/metadata"
	}
	return e.cfg.MountPoint + "/metadata/" + p
}

func cleanPath(path string) string {
	return strings.Trim(path, "/")
}

func (e *Engine) observe(op string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	e.metrics.RecordOperation(engineName, op, result, time.Since(start))
}

func (e *Engine) observeResult(op, result string, start time.Time) {
	e.metrics.RecordOperation(engineName, op, result, time.Since(start))
}
