package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/vaultkit/internal/errors"
	"github.com/systmms/vaultkit/internal/logging"
	"github.com/systmms/vaultkit/internal/vaulttest"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	srv      *vaulttest.Server
	sessions *session.Manager
	engine   *Engine
	logs     *syncBuffer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	srv := vaulttest.New(t).
		WithAppRole("approle", "app", "role-id", "secret-id", time.Hour).
		WithKVMount(cfg.MountPoint)

	logs := &syncBuffer{}
	logger := logging.NewWithWriter(logs, true)
	sessions := session.NewManager(auth.New(auth.NewAppRole("role-id", "secret-id", ""), srv.Dialer()), session.WithLogger(logger))

	engine, err := New(context.Background(), sessions, cfg, WithLogger(logger))
	require.NoError(t, err)

	return &fixture{srv: srv, sessions: sessions, engine: engine, logs: logs}
}

func TestNewRequiresMount(t *testing.T) {
	t.Parallel()

	srv := vaulttest.New(t)
	sessions := session.NewManager(auth.New(auth.NewStaticToken(srv.RootToken()), srv.Dialer()))

	_, err := New(context.Background(), sessions, Config{})
	var ece dserrors.EngineConfigError
	require.ErrorAs(t, err, &ece)
	assert.Equal(t, "mount_point", ece.Field)
	assert.Equal(t, session.Unauthenticated, sessions.State(), "no backend call before validation")

	_, err = New(context.Background(), sessions, Config{MountPoint: "kv", MaxVersions: -1})
	assert.True(t, dserrors.IsConfigError(err))
}

func TestNewConfiguresMountIdempotently(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("app1")
	cfg.MaxVersions = 25
	f := newFixture(t, cfg)
	_, err := f.engine.Write(context.Background(), "existing", "k", "v")
	require.NoError(t, err)

	again, err := New(context.Background(), f.sessions, DefaultConfig("app1"))
	require.NoError(t, err)

	maxVersions, cas, writes := f.srv.KVConfig("app1")
	assert.Equal(t, 25, maxVersions, "an unset max_versions leaves the mount's setting alone")
	assert.False(t, cas)
	assert.Equal(t, 2, writes)

	value, ok, err := again.ReadField(context.Background(), "existing", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value, "reconfiguring must not touch data")
}

func TestReadAbsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))

	secret, err := f.engine.Read(context.Background(), "never/written")
	require.NoError(t, err)
	assert.Nil(t, secret)
	assert.Contains(t, f.logs.String(), "app1/data/never/written not found")

	value, ok, err := f.engine.ReadField(context.Background(), "never/written", "any")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, value)

	keys, err := f.engine.List(context.Background(), "never")
	require.NoError(t, err)
	assert.NotContains(t, keys, "written")
}

func TestListMissingParentIsEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))

	keys, err := f.engine.List(context.Background(), "no/such/folder/")
	require.NoError(t, err)
	require.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	ctx := context.Background()

	tests := []struct {
		path, key, value string
	}{
		{"simple", "k", "v"},
		{"nested/deep/path", "api_key", "sk-1234567890"},
		{"/slashes/", "unicode", "pässwörd ✓"},
		{"spaces", "with space", "value with spaces"},
	}

	for _, tt := range tests {
		receipt, err := f.engine.Write(ctx, tt.path, tt.key, tt.value)
		require.NoError(t, err)
		assert.Equal(t, 1, receipt.Version)
		assert.False(t, receipt.Patched)

		got, ok, err := f.engine.ReadField(ctx, tt.path, tt.key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, tt.value, got)
	}
}

func TestWriteMergesFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	ctx := context.Background()

	_, err := f.engine.Write(ctx, "svc", "k1", "v1")
	require.NoError(t, err)
	receipt, err := f.engine.Write(ctx, "svc", "k2", "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Version)

	secret, err := f.engine.Read(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "v2"}, secret.Data)

	_, err = f.engine.Write(ctx, "svc", "k1", "v1b")
	require.NoError(t, err)
	secret, err = f.engine.Read(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1b", "k2": "v2"}, secret.Data)
	assert.Equal(t, 3, secret.Version)
	assert.False(t, secret.CreatedTime.IsZero())
}

func TestWriteKeepsFieldTypes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	ctx := context.Background()
	f.srv.PutKV("app1", "svc", map[string]interface{}{
		"port": 5432,
		"tags": []interface{}{"a", "b"},
		"tls":  map[string]interface{}{"enabled": true},
	})

	_, err := f.engine.Write(ctx, "svc", "user", "u1")
	require.NoError(t, err)

	stored := f.srv.KVData("app1", "svc")
	assert.Equal(t, float64(5432), stored["port"])
	assert.Equal(t, []interface{}{"a", "b"}, stored["tags"])
	assert.Equal(t, map[string]interface{}{"enabled": true}, stored["tls"])
	assert.Equal(t, "u1", stored["user"])

	secret, err := f.engine.Read(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, json.Number("5432"), secret.Raw["port"])
	assert.Equal(t, []interface{}{"a", "b"}, secret.Raw["tags"])

	port, ok, err := f.engine.ReadField(ctx, "svc", "port")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5432", port)
}

func TestWriteValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))

	_, err := f.engine.Write(context.Background(), "", "k", "v")
	assert.Error(t, err)
	_, err = f.engine.Write(context.Background(), "p", "", "v")
	assert.Error(t, err)
}

func TestWriteFallsBackToPatchOnCreateRace(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))

	var once sync.Once
	f.srv.Intercept(func(method, path string) {
		if method == "PUT" && path == "app1/data/race" {
			once.Do(func() {
				f.srv.PutKV("app1", "race", map[string]interface{}{"other": "writer"})
			})
		}
	})

	receipt, err := f.engine.Write(context.Background(), "race", "mine", "value")
	require.NoError(t, err)
	assert.True(t, receipt.Patched)
	assert.Equal(t, 2, receipt.Version)

	secret, err := f.engine.Read(context.Background(), "race")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"other": "writer", "mine": "value"}, secret.Data)
	assert.Contains(t, f.logs.String(), "check-and-set")
}

func TestWriteWithCASRequired(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("strict")
	cfg.CASRequired = true
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.engine.Write(ctx, "db", "user", "admin")
	require.NoError(t, err)

	// Another writer bumps the version between our read and write.
	var once sync.Once
	f.srv.Intercept(func(method, path string) {
		if method == "PUT" && path == "strict/data/db" {
			once.Do(func() {
				f.srv.PutKV("strict", "db", map[string]interface{}{"user": "admin", "host": "db1"})
			})
		}
	})

	receipt, err := f.engine.Write(ctx, "db", "pass", "hunter2")
	require.NoError(t, err)
	assert.True(t, receipt.Patched)

	secret, err := f.engine.Read(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user": "admin", "host": "db1", "pass": "hunter2"}, secret.Data)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	ctx := context.Background()

	_, err := f.engine.Write(ctx, "temp", "k", "v")
	require.NoError(t, err)

	deleted, err := f.engine.Delete(ctx, "temp")
	require.NoError(t, err)
	assert.True(t, deleted)

	secret, err := f.engine.Read(ctx, "temp")
	require.NoError(t, err)
	assert.Nil(t, secret)

	deleted, err = f.engine.Delete(ctx, "temp")
	require.NoError(t, err)
	assert.False(t, deleted, "already absent")
}

func TestDeleteBackendFailureReturnsFalse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	_, err := f.engine.Write(context.Background(), "temp", "k", "v")
	require.NoError(t, err)

	f.srv.FailNext(1, 500)
	deleted, err := f.engine.Delete(context.Background(), "temp")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Contains(t, f.logs.String(), "Failed to delete")
}

func TestDeleteRepeatedForbiddenReturnsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	_, err := f.engine.Write(context.Background(), "temp", "k", "v")
	require.NoError(t, err)

	f.srv.ForbidNext(2)
	deleted, err := f.engine.Delete(context.Background(), "temp")
	assert.False(t, deleted)
	assert.True(t, auth.IsReason(err, auth.Forbidden))
}

func TestDeletedVersionHandling(t *testing.T) {
	t.Parallel()

	t.Run("raise on deleted version", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, DefaultConfig("app1"))
		f.srv.PutKV("app1", "gone", map[string]interface{}{"k": "v"})
		f.srv.SoftDeleteKV("app1", "gone")

		secret, err := f.engine.Read(context.Background(), "gone")
		require.NoError(t, err)
		assert.Nil(t, secret)
	})

	t.Run("report deleted version", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig("app1")
		cfg.RaiseOnDeletedVersion = false
		f := newFixture(t, cfg)
		f.srv.PutKV("app1", "gone", map[string]interface{}{"k": "v"})
		f.srv.SoftDeleteKV("app1", "gone")

		secret, err := f.engine.Read(context.Background(), "gone")
		require.NoError(t, err)
		require.NotNil(t, secret)
		assert.True(t, secret.Deleted)
		assert.Nil(t, secret.Data)
		assert.Equal(t, 1, secret.Version)

		_, ok, err := f.engine.ReadField(context.Background(), "gone", "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("write over deleted version", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, DefaultConfig("app1"))
		f.srv.PutKV("app1", "gone", map[string]interface{}{"old": "v"})
		f.srv.SoftDeleteKV("app1", "gone")

		_, err := f.engine.Write(context.Background(), "gone", "new", "v2")
		require.NoError(t, err)

		secret, err := f.engine.Read(context.Background(), "gone")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"new": "v2"}, secret.Data)
	})
}

func TestVersions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	ctx := context.Background()

	_, err := f.engine.Write(ctx, "rotating", "password", "first")
	require.NoError(t, err)
	_, err = f.engine.Write(ctx, "rotating", "password", "second")
	require.NoError(t, err)

	v1, err := f.engine.ReadVersion(ctx, "rotating", 1)
	require.NoError(t, err)
	assert.Equal(t, "first", v1.Data["password"])

	missing, err := f.engine.ReadVersion(ctx, "rotating", 9)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = f.engine.ReadVersion(ctx, "rotating", 0)
	assert.Error(t, err)

	deleted, err := f.engine.DeleteLatestVersion(ctx, "rotating")
	require.NoError(t, err)
	assert.True(t, deleted)

	latest, err := f.engine.Read(ctx, "rotating")
	require.NoError(t, err)
	assert.Nil(t, latest)

	v1, err = f.engine.ReadVersion(ctx, "rotating", 1)
	require.NoError(t, err)
	assert.Equal(t, "first", v1.Data["password"])

	deleted, err = f.engine.DeleteLatestVersion(ctx, "rotating")
	require.NoError(t, err)
	assert.False(t, deleted, "latest already deleted")

	deleted, err = f.engine.DeleteLatestVersion(ctx, "never")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestTransparentReauthentication(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	ctx := context.Background()

	_, err := f.engine.Write(ctx, "svc", "k", "v")
	require.NoError(t, err)

	f.srv.RevokeAllTokens()
	got, ok, err := f.engine.ReadField(ctx, "svc", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", got)
	assert.Equal(t, 2, f.srv.LoginCount())

	f.srv.ForbidNext(1)
	_, err = f.engine.Write(ctx, "svc", "k2", "v2")
	require.NoError(t, err)
	assert.Equal(t, 3, f.srv.LoginCount())

	f.srv.ForbidNext(2)
	_, err = f.engine.List(ctx, "")
	var ae *auth.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, auth.Forbidden, ae.Reason)
}

func TestScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig("app1"))
	ctx := context.Background()
	path := "configuration/mysecret"

	_, err := f.engine.Write(ctx, path, "username", "user1")
	require.NoError(t, err)
	_, err = f.engine.Write(ctx, path, "password", "qwerty")
	require.NoError(t, err)

	secret, err := f.engine.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"username": "user1", "password": "qwerty"}, secret.Data)

	keys, err := f.engine.List(ctx, "configuration/")
	require.NoError(t, err)
	assert.Contains(t, keys, "mysecret")

	root, err := f.engine.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"configuration/"}, root)

	assert.NotContains(t, f.logs.String(), "qwerty")
}
