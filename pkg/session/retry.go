package session

import (
	"context"
	"fmt"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/pkg/auth"
)

// Do runs call with the current session. If the backend answers 401 or
// 403, the session is renewed and call runs once more. A second
// authorization failure is returned as an *auth.AuthError with reason
// Forbidden; Do never loops.
func Do[T any](ctx context.Context, m *Manager, op string, call func(context.Context, *auth.Session) (T, error)) (T, error) {
	var zero T

	s, err := m.Current(ctx)
	if err != nil {
		return zero, err
	}

	result, err := call(ctx, s)
	if !backend.IsForbidden(err) {
		return result, err
	}

	m.logger.Warn("%s: authorization failed on session %s, renewing", op, s.ID)
	renewed, rerr := m.InvalidateAndRenew(ctx)
	if rerr != nil {
		m.metrics.RecordRetry(op, false)
		if _, ok := auth.AsAuthError(rerr); ok {
			return zero, rerr
		}
		return zero, &auth.AuthError{
			Reason: auth.Forbidden,
			Scheme: s.Scheme,
			Err:    fmt.Errorf("%w (renewal failed: %v)", err, rerr),
		}
	}

	result, err = call(ctx, renewed)
	if backend.IsForbidden(err) {
		m.metrics.RecordRetry(op, false)
		return zero, &auth.AuthError{Reason: auth.Forbidden, Scheme: renewed.Scheme, Err: err}
	}
	m.metrics.RecordRetry(op, err == nil)
	return result, err
}
