package kv

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/internal/metrics"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

// List returns the sorted key names directly under path. Sub-folders keep
// their trailing slash. A missing path yields an empty slice.
func (e *Engine) List(ctx context.Context, path string) ([]string, error) {
	start := time.Now()

	keys, err := session.Do(ctx, e.sessions, "kv.list", func(ctx context.Context, s *auth.Session) ([]string, error) {
		raw, err := s.Client().Logical().ListWithContext(ctx, e.metadataPath(path))
		if err != nil {
			return nil, err
		}
		keys := []string{}
		if raw == nil || raw.Data == nil {
			return keys, nil
		}
		list, _ := raw.Data["keys"].([]interface{})
		for _, k := range list {
			keys = append(keys, backend.String(k))
		}
		sort.Strings(keys)
		return keys, nil
	})
	if err != nil {
		e.observe("list", start, err)
		return nil, fmt.Errorf("listing %s: %w", e.metadataPath(path), err)
	}

	if len(keys) == 0 {
		e.observeResult("list", metrics.ResultNotFound, start)
		e.logger.Debug("No secrets under %s", e.metadataPath(path))
		return keys, nil
	}
	e.observe("list", start, nil)
	return keys, nil
}

// Delete removes the metadata and every version of the secret at path.
//
// It returns true once the backend confirms the deletion and false when
// the path was already absent or the deletion failed. Failures other than
// a repeated authorization failure are logged, not returned.
func (e *Engine) Delete(ctx context.Context, path string) (bool, error) {
	return e.remove(ctx, "delete", path, func(ctx context.Context, s *auth.Session) error {
		_, err := s.Client().Logical().DeleteWithContext(ctx, e.metadataPath(path))
		return err
	})
}

// DeleteLatestVersion soft-deletes the newest version of the secret at
// path. Older versions stay readable. The boolean contract matches Delete;
// a latest version that is already deleted counts as absent.
func (e *Engine) DeleteLatestVersion(ctx context.Context, path string) (bool, error) {
	return e.remove(ctx, "delete_latest_version", path, func(ctx context.Context, s *auth.Session) error {
		_, err := s.Client().Logical().DeleteWithContext(ctx, e.dataPath(path))
		return err
	})
}

func (e *Engine) remove(ctx context.Context, op, path string, del func(context.Context, *auth.Session) error) (bool, error) {
	if cleanPath(path) == "" {
		return false, fmt.Errorf("secret path must not be empty")
	}
	start := time.Now()

	deleted, err := session.Do(ctx, e.sessions, "kv."+op, func(ctx context.Context, s *auth.Session) (bool, error) {
		present, err := e.present(ctx, s, path, op == "delete_latest_version")
		if err != nil || !present {
			return false, err
		}
		if err := del(ctx, s); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		e.observe(op, start, err)
		if _, ok := auth.AsAuthError(err); ok {
			return false, err
		}
		e.logger.Error("Failed to delete %s: %v", e.metadataPath(path), err)
		return false, nil
	}

	if !deleted {
		e.observeResult(op, metrics.ResultNotFound, start)
		e.logger.Warn("Secret %s not found, nothing to delete", e.metadataPath(path))
		return false, nil
	}

	e.observe(op, start, nil)
	e.logger.Debug("Deleted %s (%s)", e.metadataPath(path), op)
	return true, nil
}

// present checks the metadata endpoint. With live set, a secret whose
// current version is already deleted or destroyed counts as absent.
func (e *Engine) present(ctx context.Context, s *auth.Session, path string, live bool) (bool, error) {
	raw, err := s.Client().Logical().ReadWithContext(ctx, e.metadataPath(path))
	if err != nil {
		return false, err
	}
	if raw == nil || raw.Data == nil {
		return false, nil
	}
	if !live {
		return true, nil
	}

	current, ok := backend.Int(raw.Data["current_version"])
	if !ok || current == 0 {
		return false, nil
	}
	versions := backend.Map(raw.Data["versions"])
	meta := backend.Map(versions[fmt.Sprint(current)])
	if meta == nil {
		return false, nil
	}
	destroyed, _ := meta["destroyed"].(bool)
	_, softDeleted := backend.Time(meta["deletion_time"])
	return !destroyed && !softDeleted, nil
}
