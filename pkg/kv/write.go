package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

// WriteReceipt describes the version a write produced.
type WriteReceipt struct {
	Path        string
	Version     int
	CreatedTime time.Time
	// Patched is set when a check-and-set conflict was resolved with a
	// merge patch instead of a full write.
	Patched bool
}

// Write sets key to value in the secret at path, keeping the other fields.
//
// The current fields are read, merged and written back. A brand-new path
// is written with cas=0 so a concurrently created secret is not replaced;
// on that conflict, or on a version mismatch when CASRequired is set, the
// field is applied as a merge patch instead. Concurrent writers to
// different fields of one path resolve as last-write-wins per field.
func (e *Engine) Write(ctx context.Context, path, key, value string) (*WriteReceipt, error) {
	if cleanPath(path) == "" {
		return nil, fmt.Errorf("secret path must not be empty")
	}
	if key == "" {
		return nil, fmt.Errorf("secret key must not be empty")
	}

	start := time.Now()
	receipt, err := session.Do(ctx, e.sessions, "kv.write", func(ctx context.Context, s *auth.Session) (*WriteReceipt, error) {
		return e.write(ctx, s, path, key, value)
	})
	e.observe("write", start, err)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", e.dataPath(path), err)
	}

	e.logger.Debug("Wrote field %s of %s (version %d)", key, e.dataPath(path), receipt.Version)
	return receipt, nil
}

func (e *Engine) write(ctx context.Context, s *auth.Session, path, key, value string) (*WriteReceipt, error) {
	current, err := e.fetch(ctx, s, path, 0)
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{}
	options := map[string]interface{}{}
	switch {
	case current == nil:
		options["cas"] = 0
	default:
		for k, v := range current.Raw {
			data[k] = v
		}
		if e.cfg.CASRequired {
			options["cas"] = current.Version
		}
	}
	data[key] = value

	body := map[string]interface{}{"data": data}
	if len(options) > 0 {
		body["options"] = options
	}

	raw, err := s.Client().Logical().WriteWithContext(ctx, e.dataPath(path), body)
	if err != nil {
		if backend.Classify(err) == backend.InvalidRequest && backend.HasMessage(err, "check-and-set") {
			e.logger.Warn("Write to %s lost a check-and-set race, patching field %s instead", e.dataPath(path), key)
			return e.patch(ctx, s, path, key, value)
		}
		return nil, err
	}
	return receiptFrom(cleanPath(path), raw, false), nil
}

func (e *Engine) patch(ctx context.Context, s *auth.Session, path, key, value string) (*WriteReceipt, error) {
	body := map[string]interface{}{
		"data": map[string]interface{}{key: value},
	}
	if e.cfg.CASRequired {
		current, err := e.fetch(ctx, s, path, 0)
		if err != nil {
			return nil, err
		}
		version := 0
		if current != nil {
			version = current.Version
		}
		body["options"] = map[string]interface{}{"cas": version}
	}

	raw, err := s.Client().Logical().JSONMergePatch(ctx, e.dataPath(path), body)
	if err != nil {
		return nil, err
	}
	return receiptFrom(cleanPath(path), raw, true), nil
}

func receiptFrom(path string, raw *api.Secret, patched bool) *WriteReceipt {
	r := &WriteReceipt{Path: path, Patched: patched}
	if raw == nil {
		return r
	}
	if v, ok := backend.Int(raw.Data["version"]); ok {
		r.Version = int(v)
	}
	if t, ok := backend.Time(raw.Data["created_time"]); ok {
		r.CreatedTime = t
	}
	return r
}
