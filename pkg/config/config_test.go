package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/vaultkit/internal/errors"
	"github.com/systmms/vaultkit/pkg/auth"
)

func envOf(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func configErrorField(t *testing.T, err error) string {
	t.Helper()
	var ce dserrors.ConfigError
	require.ErrorAs(t, err, &ce)
	return ce.Field
}

func TestResolveExplicitWinsOverEnvironment(t *testing.T) {
	t.Parallel()

	explicit := &Config{
		Address:   "https://explicit:8200",
		Namespace: "team-a",
		Auth:      Auth{Method: MethodToken, Token: "explicit-token"},
	}
	env := envOf(map[string]string{
		EnvAddress:         "https://env:8200",
		EnvNamespace:       "team-b",
		EnvAuthType:        "approle",
		EnvAppRoleID:       "env-role",
		EnvAppRoleSecretID: "env-secret",
	})

	cfg, err := Resolve(explicit, env)
	require.NoError(t, err)
	assert.Equal(t, "https://explicit:8200", cfg.Address)
	assert.Equal(t, "team-a", cfg.Namespace)
	assert.Equal(t, MethodToken, cfg.Auth.Method)
	assert.Equal(t, "explicit-token", cfg.Auth.Token)
	assert.Nil(t, cfg.Auth.AppRole)

	assert.Zero(t, explicit.Timeout, "explicit is not mutated")
}

func TestResolveFromEnvironment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "approle",
			env: map[string]string{
				EnvAddress: "http://vault:8200", EnvNamespace: "app1", EnvAuthType: "approle",
				EnvAppRoleID: "rid", EnvAppRoleSecretID: "sid",
			},
			check: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.Auth.AppRole)
				assert.Equal(t, "rid", cfg.Auth.AppRole.RoleID)
				assert.Equal(t, "sid", cfg.Auth.AppRole.SecretID)
			},
		},
		{
			name: "token",
			env:  map[string]string{EnvAddress: "http://vault:8200", EnvNamespace: "app1", EnvAuthType: "TOKEN", EnvToken: "hvs.x"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, MethodToken, cfg.Auth.Method)
				assert.Equal(t, "hvs.x", cfg.Auth.Token)
			},
		},
		{
			name: "kubernetes role defaults to namespace",
			env: map[string]string{
				EnvAddress: "http://vault:8200", EnvNamespace: "app1", EnvAuthType: "kubernetes",
				EnvKubernetesToken: "/tmp/sa-token",
			},
			check: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.Auth.Kubernetes)
				assert.Equal(t, "app1", cfg.Auth.Kubernetes.Role)
				assert.Equal(t, "/tmp/sa-token", cfg.Auth.Kubernetes.TokenPath)
			},
		},
		{
			name: "aws inferred from role variable",
			env:  map[string]string{EnvAddress: "http://vault:8200", EnvNamespace: "app1", EnvAWSRole: "ec2-app"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, MethodAWS, cfg.Auth.Method)
				assert.Equal(t, "ec2-app", cfg.Auth.AWS.Role)
			},
		},
		{
			name: "approle inferred before token",
			env: map[string]string{
				EnvAddress: "http://vault:8200", EnvNamespace: "app1",
				EnvAppRoleID: "rid", EnvAppRoleSecretID: "sid", EnvToken: "hvs.x",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, MethodAppRole, cfg.Auth.Method)
			},
		},
		{
			name: "tls and defaults",
			env: map[string]string{
				EnvAddress: "https://vault:8200", EnvNamespace: "app1", EnvToken: "hvs.x",
				EnvCACert: "/etc/ca.pem", EnvSkipVerify: "true",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/etc/ca.pem", cfg.TLS.CACert)
				assert.True(t, cfg.TLS.SkipVerify)
				assert.Equal(t, DefaultTimeout, cfg.Timeout)
				assert.Equal(t, "app1", cfg.KV.MountPoint)
				assert.Zero(t, cfg.KV.MaxVersions, "the mount keeps its own max_versions")
				require.NotNil(t, cfg.KV.RaiseOnDeletedVersion)
				assert.True(t, *cfg.KV.RaiseOnDeletedVersion)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Resolve(nil, envOf(tt.env))
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		explicit *Config
		env      map[string]string
		field    string
	}{
		{name: "nothing configured", field: "address"},
		{
			name:  "no scheme",
			env:   map[string]string{EnvAddress: "http://vault:8200", EnvNamespace: "app1"},
			field: "auth.method",
		},
		{
			name:  "no mount and no namespace",
			env:   map[string]string{EnvAddress: "http://vault:8200", EnvToken: "t"},
			field: "kv.mount_point",
		},
		{
			name:  "approle without secret id",
			env:   map[string]string{EnvAddress: "http://vault:8200", EnvNamespace: "app1", EnvAppRoleID: "rid"},
			field: "auth.approle.secret_id",
		},
		{
			name:  "unknown auth type",
			env:   map[string]string{EnvAddress: "http://vault:8200", EnvNamespace: "app1", EnvAuthType: "ldap"},
			field: "auth.method",
		},
		{
			name:  "bad skip verify",
			env:   map[string]string{EnvAddress: "http://vault:8200", EnvNamespace: "app1", EnvToken: "t", EnvSkipVerify: "maybe"},
			field: EnvSkipVerify,
		},
		{
			name:     "explicit kubernetes without role",
			explicit: &Config{Address: "http://vault:8200", Namespace: "", KV: KV{MountPoint: "kv"}, Auth: Auth{Method: MethodKubernetes}},
			field:    "auth.kubernetes.role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Resolve(tt.explicit, envOf(tt.env))
			require.Error(t, err)
			assert.Equal(t, tt.field, configErrorField(t, err))
			assert.True(t, dserrors.IsConfigError(err))
		})
	}
}

func TestResolveNilLookup(t *testing.T) {
	t.Parallel()

	cfg, err := Resolve(&Config{
		Address: "http://vault:8200",
		KV:      KV{MountPoint: "secret"},
		Auth:    Auth{Method: MethodToken, Token: "t"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.KV.MountPoint)
}

func TestParse(t *testing.T) {
	t.Parallel()

	doc := `
address: https://vault.internal:8200
namespace: app1
timeout: 10s
metrics: true
auth:
  method: approle
  approle:
    role_id: rid
    secret_id: sid
kv:
  max_versions: 5
  cas_required: true
  raise_on_deleted_version: false
database:
  mount_point: db
  connection:
    name: appdb
    plugin_name: postgresql-database-plugin
    connection_url: postgresql://{{username}}:{{password}}@db:5432/app
    allowed_roles: [readonly]
tls:
  ca_cert: /etc/vault/ca.pem
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "https://vault.internal:8200", cfg.Address)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "rid", cfg.Auth.AppRole.RoleID)
	assert.Equal(t, 5, cfg.KV.MaxVersions)
	require.NotNil(t, cfg.KV.RaiseOnDeletedVersion)
	assert.False(t, *cfg.KV.RaiseOnDeletedVersion)
	assert.Equal(t, []string{"readonly"}, cfg.Database.Connection.AllowedRoles)

	resolved, err := Resolve(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "app1", resolved.KV.MountPoint)

	kvCfg := resolved.KVConfig()
	assert.Equal(t, "app1", kvCfg.MountPoint)
	assert.Equal(t, 5, kvCfg.MaxVersions)
	assert.True(t, kvCfg.CASRequired)
	assert.False(t, kvCfg.RaiseOnDeletedVersion)

	dbCfg, ok := resolved.DatabaseConfig()
	require.True(t, ok)
	assert.Equal(t, "db", dbCfg.MountPoint)
	assert.Equal(t, "appdb", dbCfg.Connection.Name)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "address: [unterminated"},
		{"empty", ""},
		{"unknown top-level key", "address: http://v:8200\nauth:\n  method: token\nbogus: 1\n"},
		{"unknown method", "address: http://v:8200\nauth:\n  method: ldap\n"},
		{"address without scheme", "address: vault:8200\nauth:\n  method: token\n"},
		{"bad timeout", "address: http://v:8200\ntimeout: soon\nauth:\n  method: token\n"},
		{"incomplete connection", "address: http://v:8200\nauth:\n  method: token\ndatabase:\n  connection:\n    name: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, dserrors.IsConfigError(err), "got %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "vaultkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: http://v:8200\nauth:\n  method: token\n  token: t\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://v:8200", cfg.Address)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, "path", configErrorField(t, err))
}

func TestScheme(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		auth  Auth
		check func(t *testing.T, s auth.Scheme)
	}{
		{
			name: "approle seals secret id",
			auth: Auth{Method: MethodAppRole, AppRole: &AppRole{RoleID: "rid", SecretID: "sid", MountPath: "custom"}},
			check: func(t *testing.T, s auth.Scheme) {
				ar, ok := s.(auth.AppRole)
				require.True(t, ok)
				assert.Equal(t, "custom", ar.MountPath)
				secret, err := ar.SecretID.Reveal()
				require.NoError(t, err)
				assert.Equal(t, "sid", secret)
				assert.Equal(t, "[REDACTED]", ar.SecretID.String())
			},
		},
		{
			name: "token",
			auth: Auth{Method: MethodToken, Token: "hvs.x"},
			check: func(t *testing.T, s auth.Scheme) {
				assert.Equal(t, "token", s.Name())
			},
		},
		{
			name: "kubernetes",
			auth: Auth{Method: MethodKubernetes, Kubernetes: &Kubernetes{Role: "app", TokenPath: "/tmp/t"}},
			check: func(t *testing.T, s auth.Scheme) {
				pi, ok := s.(auth.PlatformIdentity)
				require.True(t, ok)
				assert.Equal(t, "app", pi.Role)
				assert.Equal(t, "/tmp/t", pi.TokenPath)
			},
		},
		{
			name: "aws",
			auth: Auth{Method: MethodAWS, AWS: &AWS{Role: "ec2", Region: "eu-west-1"}},
			check: func(t *testing.T, s auth.Scheme) {
				ai, ok := s.(auth.AWSIdentity)
				require.True(t, ok)
				assert.Equal(t, "eu-west-1", ai.Region)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &Config{Auth: tt.auth}
			s, err := cfg.Scheme()
			require.NoError(t, err)
			tt.check(t, s)
		})
	}

	_, err := (&Config{Auth: Auth{Method: "ldap"}}).Scheme()
	assert.Error(t, err)
}

func TestDialerAndDatabaseDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Address:   "https://vault:8200",
		Namespace: "ns",
		Timeout:   3 * time.Second,
		TLS:       TLS{ServerName: "vault.internal"},
		Database:  &Database{},
	}
	d := cfg.Dialer()
	assert.Equal(t, "https://vault:8200", d.Address)
	assert.Equal(t, "ns", d.Namespace)
	assert.Equal(t, 3*time.Second, d.Timeout)
	assert.Equal(t, "vault.internal", d.TLS.ServerName)

	dbCfg, ok := cfg.DatabaseConfig()
	require.True(t, ok)
	assert.Equal(t, "database", dbCfg.MountPoint)
	assert.Nil(t, dbCfg.Connection)

	_, ok = (&Config{}).DatabaseConfig()
	assert.False(t, ok)
}
