package config

import (
	"fmt"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/database"
	"github.com/systmms/vaultkit/pkg/kv"
)

// Scheme converts the auth section into a credential scheme. Secret
// material is sealed on the way.
func (c *Config) Scheme() (auth.Scheme, error) {
	a := c.Auth
	switch a.Method {
	case MethodAppRole:
		if a.AppRole == nil {
			return nil, missing("auth.approle.role_id", EnvAppRoleID)
		}
		return auth.NewAppRole(a.AppRole.RoleID, a.AppRole.SecretID, a.AppRole.MountPath), nil
	case MethodToken:
		return auth.NewStaticToken(a.Token), nil
	case MethodKubernetes:
		if a.Kubernetes == nil {
			return nil, missing("auth.kubernetes.role", EnvKubernetesRole)
		}
		return auth.PlatformIdentity{
			TokenPath: a.Kubernetes.TokenPath,
			Role:      a.Kubernetes.Role,
			MountPath: a.Kubernetes.MountPath,
		}, nil
	case MethodAWS:
		if a.AWS == nil {
			return nil, missing("auth.aws.role", EnvAWSRole)
		}
		return auth.AWSIdentity{
			Role:           a.AWS.Role,
			Region:         a.AWS.Region,
			MountPath:      a.AWS.MountPath,
			ServerIDHeader: a.AWS.ServerIDHeader,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported credential scheme %q", a.Method)
	}
}

// Dialer returns the backend connection settings.
func (c *Config) Dialer() backend.Dialer {
	return backend.Dialer{
		Address:   c.Address,
		Namespace: c.Namespace,
		Timeout:   c.Timeout,
		TLS: backend.TLS{
			CACert:     c.TLS.CACert,
			ClientCert: c.TLS.ClientCert,
			ClientKey:  c.TLS.ClientKey,
			ServerName: c.TLS.ServerName,
			SkipVerify: c.TLS.SkipVerify,
		},
	}
}

// KVConfig returns the KV engine settings.
func (c *Config) KVConfig() kv.Config {
	cfg := kv.DefaultConfig(c.KV.MountPoint)
	cfg.MaxVersions = c.KV.MaxVersions
	cfg.CASRequired = c.KV.CASRequired
	if c.KV.RaiseOnDeletedVersion != nil {
		cfg.RaiseOnDeletedVersion = *c.KV.RaiseOnDeletedVersion
	}
	return cfg
}

// DatabaseConfig returns the database engine settings and whether the
// engine is enabled. The mount defaults to "database".
func (c *Config) DatabaseConfig() (database.Config, bool) {
	if c.Database == nil {
		return database.Config{}, false
	}
	cfg := database.Config{MountPoint: firstNonEmpty(c.Database.MountPoint, "database")}
	if conn := c.Database.Connection; conn != nil {
		cfg.Connection = &database.Connection{
			Name:             conn.Name,
			PluginName:       conn.PluginName,
			ConnectionURL:    conn.ConnectionURL,
			AllowedRoles:     conn.AllowedRoles,
			Username:         conn.Username,
			Password:         conn.Password,
			VerifyConnection: conn.VerifyConnection,
		}
	}
	return cfg, true
}
