package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/internal/metrics"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

// Read returns the latest version of the secret at path, or nil when the
// path does not exist.
func (e *Engine) Read(ctx context.Context, path string) (*Secret, error) {
	return e.read(ctx, "read", path, 0)
}

// ReadVersion returns a specific version of the secret at path, or nil
// when that version does not exist.
func (e *Engine) ReadVersion(ctx context.Context, path string, version int) (*Secret, error) {
	if version < 1 {
		return nil, fmt.Errorf("version must be positive, got %d", version)
	}
	return e.read(ctx, "read_version", path, version)
}

// ReadField returns one field of the latest version. ok is false when
// the path or the field is absent. Non-string values are rendered with
// fmt.Sprint; use Read and Secret.Raw to get the stored type.
func (e *Engine) ReadField(ctx context.Context, path, key string) (string, bool, error) {
	secret, err := e.Read(ctx, path)
	if err != nil || secret == nil {
		return "", false, err
	}
	value, ok := secret.Data[key]
	return value, ok, nil
}

func (e *Engine) read(ctx context.Context, op, path string, version int) (*Secret, error) {
	start := time.Now()

	secret, err := session.Do(ctx, e.sessions, "kv."+op, func(ctx context.Context, s *auth.Session) (*Secret, error) {
		return e.fetch(ctx, s, path, version)
	})
	if err != nil {
		e.observe(op, start, err)
		return nil, fmt.Errorf("reading %s: %w", e.dataPath(path), err)
	}

	if secret == nil {
		e.observeResult(op, metrics.ResultNotFound, start)
		e.logger.Warn("Secret %s not found", e.dataPath(path))
		return nil, nil
	}
	if secret.Deleted && e.cfg.RaiseOnDeletedVersion {
		e.observeResult(op, metrics.ResultNotFound, start)
		e.logger.Warn("Secret %s version %d is deleted", e.dataPath(path), secret.Version)
		return nil, nil
	}

	e.observe(op, start, nil)
	return secret, nil
}

// fetch reads one version. A nil result means the path has no versions.
func (e *Engine) fetch(ctx context.Context, s *auth.Session, path string, version int) (*Secret, error) {
	var (
		raw *api.Secret
		err error
	)
	if version > 0 {
		raw, err = s.Client().Logical().ReadWithDataWithContext(ctx, e.dataPath(path), map[string][]string{
			"version": {strconv.Itoa(version)},
		})
	} else {
		raw, err = s.Client().Logical().ReadWithContext(ctx, e.dataPath(path))
	}
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.Data == nil {
		return nil, nil
	}
	return parseSecret(cleanPath(path), raw), nil
}

func parseSecret(path string, raw *api.Secret) *Secret {
	out := &Secret{Path: path}

	meta := backend.Map(raw.Data["metadata"])
	if v, ok := backend.Int(meta["version"]); ok {
		out.Version = int(v)
	}
	if t, ok := backend.Time(meta["created_time"]); ok {
		out.CreatedTime = t
	}

	destroyed, _ := meta["destroyed"].(bool)
	_, softDeleted := backend.Time(meta["deletion_time"])
	data := backend.Map(raw.Data["data"])
	if destroyed || softDeleted || data == nil {
		out.Deleted = true
		return out
	}

	out.Raw = data
	out.Data = make(map[string]string, len(data))
	for k, v := range data {
		out.Data[k] = backend.String(v)
	}
	return out
}
