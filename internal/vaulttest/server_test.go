package vaulttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/vaultkit/internal/backend"
)

func TestServerKVRoundTrip(t *testing.T) {
	t.Parallel()

	srv := New(t).WithKVMount("app1")
	client, err := srv.Dialer().Dial(srv.RootToken())
	require.NoError(t, err)
	ctx := context.Background()

	secret, err := client.Logical().ReadWithContext(ctx, "app1/data/missing")
	require.NoError(t, err)
	assert.Nil(t, secret)

	_, err = client.Logical().WriteWithContext(ctx, "app1/data/a/b", map[string]interface{}{
		"data":    map[string]interface{}{"k": "v"},
		"options": map[string]interface{}{"cas": 0},
	})
	require.NoError(t, err)

	_, err = client.Logical().WriteWithContext(ctx, "app1/data/a/b", map[string]interface{}{
		"data":    map[string]interface{}{"k": "v2"},
		"options": map[string]interface{}{"cas": 0},
	})
	require.Error(t, err)
	assert.True(t, backend.HasMessage(err, "check-and-set"))

	list, err := client.Logical().ListWithContext(ctx, "app1/metadata/a")
	require.NoError(t, err)
	require.NotNil(t, list)
	assert.Equal(t, []interface{}{"b"}, list.Data["keys"])
	assert.Equal(t, 1, srv.KVVersion("app1", "a/b"))
}

func TestServerForbidNext(t *testing.T) {
	t.Parallel()

	srv := New(t).WithKVMount("app1")
	client, err := srv.Dialer().Dial(srv.RootToken())
	require.NoError(t, err)

	srv.ForbidNext(1)
	_, err = client.Logical().ReadWithContext(context.Background(), "app1/data/x")
	assert.True(t, backend.IsForbidden(err))

	_, err = client.Logical().ReadWithContext(context.Background(), "app1/data/x")
	assert.NoError(t, err)
}

func TestServerRevokedToken(t *testing.T) {
	t.Parallel()

	srv := New(t).WithKVMount("app1")
	tok := srv.IssueToken(time.Hour)
	client, err := srv.Dialer().Dial(tok)
	require.NoError(t, err)

	srv.RevokeAllTokens()
	_, err = client.Logical().ReadWithContext(context.Background(), "app1/data/x")
	assert.True(t, backend.IsForbidden(err))
}

func TestServerAppRoleLogin(t *testing.T) {
	t.Parallel()

	srv := New(t).WithAppRole("approle", "app", "rid", "sid", time.Minute)
	client, err := srv.Dialer().Dial("")
	require.NoError(t, err)

	secret, err := client.Logical().WriteWithContext(context.Background(), "auth/approle/login", map[string]interface{}{
		"role_id":   "rid",
		"secret_id": "sid",
	})
	require.NoError(t, err)
	require.NotNil(t, secret.Auth)
	assert.NotEmpty(t, secret.Auth.ClientToken)
	assert.Equal(t, 60, secret.Auth.LeaseDuration)
	assert.Equal(t, 1, srv.LoginCount())

	_, err = client.Logical().WriteWithContext(context.Background(), "auth/approle/login", map[string]interface{}{
		"role_id":   "rid",
		"secret_id": "wrong",
	})
	assert.Equal(t, backend.InvalidRequest, backend.Classify(err))
}

func TestServerDatabaseCreds(t *testing.T) {
	t.Parallel()

	srv := New(t).WithDatabaseRole("database", "readonly", time.Hour)
	client, err := srv.Dialer().Dial(srv.RootToken())
	require.NoError(t, err)

	secret, err := client.Logical().ReadWithContext(context.Background(), "database/creds/readonly")
	require.NoError(t, err)
	assert.Equal(t, 3600, secret.LeaseDuration)
	assert.NotEmpty(t, secret.Data["username"])

	_, err = client.Logical().ReadWithContext(context.Background(), "database/creds/nope")
	assert.True(t, backend.HasMessage(err, "unknown role"))
}
