// Package config resolves the structured configuration a client is built
// from. It is the only place in the module that reads environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	dserrors "github.com/systmms/vaultkit/internal/errors"
)

// Method names a credential scheme.
type Method string

const (
	MethodAppRole    Method = "approle"
	MethodToken      Method = "token"
	MethodKubernetes Method = "kubernetes"
	MethodAWS        Method = "aws"
)

// Environment variables read by Resolve.
const (
	EnvAddress         = "VAULT_ADDR"
	EnvNamespace       = "VAULT_NAMESPACE"
	EnvAuthType        = "VAULT_AUTH_TYPE"
	EnvToken           = "VAULT_TOKEN"
	EnvAppRoleID       = "VAULT_APPROLE_ID"
	EnvAppRoleSecretID = "VAULT_APPROLE_SECRET_ID"
	EnvKubernetesToken = "VAULT_KUBERNETES_SA_TOKEN"
	EnvKubernetesRole  = "VAULT_KUBERNETES_ROLE"
	EnvAWSRole         = "VAULT_AWS_ROLE"
	EnvCACert          = "VAULT_CACERT"
	EnvSkipVerify      = "VAULT_SKIP_VERIFY"
)

const DefaultTimeout = 30 * time.Second

// Config is the resolved client configuration.
type Config struct {
	Address   string        `yaml:"address"`
	Namespace string        `yaml:"namespace,omitempty"`
	Auth      Auth          `yaml:"auth"`
	KV        KV            `yaml:"kv,omitempty"`
	Database  *Database     `yaml:"database,omitempty"`
	TLS       TLS           `yaml:"tls,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Metrics   bool          `yaml:"metrics,omitempty"`
}

// Auth selects one credential scheme. Only the section matching Method is
// used.
type Auth struct {
	Method     Method      `yaml:"method"`
	Token      string      `yaml:"token,omitempty"`
	AppRole    *AppRole    `yaml:"approle,omitempty"`
	Kubernetes *Kubernetes `yaml:"kubernetes,omitempty"`
	AWS        *AWS        `yaml:"aws,omitempty"`
}

type AppRole struct {
	RoleID    string `yaml:"role_id"`
	SecretID  string `yaml:"secret_id"`
	MountPath string `yaml:"mount_path,omitempty"`
}

type Kubernetes struct {
	Role      string `yaml:"role,omitempty"`
	TokenPath string `yaml:"token_path,omitempty"`
	MountPath string `yaml:"mount_path,omitempty"`
}

type AWS struct {
	Role           string `yaml:"role"`
	Region         string `yaml:"region,omitempty"`
	MountPath      string `yaml:"mount_path,omitempty"`
	ServerIDHeader string `yaml:"server_id_header,omitempty"`
}

// KV configures the KV v2 engine. An empty MountPoint falls back to the
// namespace.
type KV struct {
	MountPoint            string `yaml:"mount_point,omitempty"`
	MaxVersions           int    `yaml:"max_versions,omitempty"`
	CASRequired           bool   `yaml:"cas_required,omitempty"`
	RaiseOnDeletedVersion *bool  `yaml:"raise_on_deleted_version,omitempty"`
}

// Database configures the database engine. Its presence enables it.
type Database struct {
	MountPoint string      `yaml:"mount_point,omitempty"`
	Connection *Connection `yaml:"connection,omitempty"`
}

type Connection struct {
	Name             string   `yaml:"name"`
	PluginName       string   `yaml:"plugin_name"`
	ConnectionURL    string   `yaml:"connection_url"`
	AllowedRoles     []string `yaml:"allowed_roles,omitempty"`
	Username         string   `yaml:"username,omitempty"`
	Password         string   `yaml:"password,omitempty"`
	VerifyConnection bool     `yaml:"verify_connection,omitempty"`
}

type TLS struct {
	CACert     string `yaml:"ca_cert,omitempty"`
	ClientCert string `yaml:"client_cert,omitempty"`
	ClientKey  string `yaml:"client_key,omitempty"`
	ServerName string `yaml:"server_name,omitempty"`
	SkipVerify bool   `yaml:"skip_verify,omitempty"`
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Environ is the process environment.
func Environ() LookupFunc {
	return os.LookupEnv
}

// Resolve merges explicit over the environment and validates the result.
// explicit may be nil. A nil lookup reads nothing.
func Resolve(explicit *Config, lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	if explicit == nil {
		explicit = &Config{}
	}
	env := envReader(lookup)

	cfg := *explicit
	cfg.Address = firstNonEmpty(cfg.Address, env.get(EnvAddress))
	cfg.Namespace = firstNonEmpty(cfg.Namespace, env.get(EnvNamespace))
	if cfg.Auth.Method == "" {
		cfg.Auth = env.auth(cfg.Namespace)
	}
	cfg.TLS.CACert = firstNonEmpty(cfg.TLS.CACert, env.get(EnvCACert))
	if !cfg.TLS.SkipVerify {
		skip, err := env.bool(EnvSkipVerify)
		if err != nil {
			return nil, err
		}
		cfg.TLS.SkipVerify = skip
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KV.MountPoint == "" {
		cfg.KV.MountPoint = cfg.Namespace
	}
	if cfg.KV.RaiseOnDeletedVersion == nil {
		raise := true
		cfg.KV.RaiseOnDeletedVersion = &raise
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or inconsistent field.
func (c *Config) Validate() error {
	if c.Address == "" {
		return dserrors.ConfigError{
			Field:      "address",
			Message:    "backend address not configured",
			Suggestion: fmt.Sprintf("Pass an address explicitly or set %s", EnvAddress),
		}
	}
	if c.KV.MountPoint == "" {
		return dserrors.ConfigError{
			Field:      "kv.mount_point",
			Message:    "no KV mount point and no namespace to default it from",
			Suggestion: fmt.Sprintf("Set kv.mount_point, a namespace, or %s", EnvNamespace),
		}
	}
	if c.Timeout < 0 {
		return dserrors.ConfigError{Field: "timeout", Value: c.Timeout, Message: "timeout must not be negative"}
	}
	return c.Auth.validate()
}

func (a Auth) validate() error {
	switch a.Method {
	case MethodToken:
		if a.Token == "" {
			return missing("auth.token", EnvToken)
		}
	case MethodAppRole:
		if a.AppRole == nil || a.AppRole.RoleID == "" {
			return missing("auth.approle.role_id", EnvAppRoleID)
		}
		if a.AppRole.SecretID == "" {
			return missing("auth.approle.secret_id", EnvAppRoleSecretID)
		}
	case MethodKubernetes:
		if a.Kubernetes == nil || a.Kubernetes.Role == "" {
			return missing("auth.kubernetes.role", EnvKubernetesRole)
		}
	case MethodAWS:
		if a.AWS == nil || a.AWS.Role == "" {
			return missing("auth.aws.role", EnvAWSRole)
		}
	case "":
		return dserrors.ConfigError{
			Field:      "auth.method",
			Message:    "no credential scheme configured",
			Suggestion: fmt.Sprintf("Pass auth explicitly or set %s", EnvAuthType),
		}
	default:
		return dserrors.ConfigError{
			Field:      "auth.method",
			Value:      a.Method,
			Message:    "unsupported credential scheme",
			Suggestion: "Use one of: approle, token, kubernetes, aws",
		}
	}
	return nil
}

func missing(field, env string) error {
	return dserrors.ConfigError{
		Field:      field,
		Message:    "required value not set",
		Suggestion: fmt.Sprintf("Set it in the configuration or via %s", env),
	}
}

type envReader LookupFunc

func (e envReader) get(key string) string {
	v, _ := e(key)
	return strings.TrimSpace(v)
}

func (e envReader) bool(key string) (bool, error) {
	v := e.get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, dserrors.ConfigError{Field: key, Value: v, Message: "not a boolean", Suggestion: "Use true or false"}
	}
	return b, nil
}

// auth builds the scheme from the environment. Without VAULT_AUTH_TYPE the
// method is inferred from which credential variables are present.
func (e envReader) auth(namespace string) Auth {
	method := Method(strings.ToLower(e.get(EnvAuthType)))
	if method == "" {
		switch {
		case e.get(EnvAppRoleID) != "":
			method = MethodAppRole
		case e.get(EnvKubernetesRole) != "" || e.get(EnvKubernetesToken) != "":
			method = MethodKubernetes
		case e.get(EnvAWSRole) != "":
			method = MethodAWS
		case e.get(EnvToken) != "":
			method = MethodToken
		}
	}

	auth := Auth{Method: method}
	switch method {
	case MethodAppRole:
		auth.AppRole = &AppRole{RoleID: e.get(EnvAppRoleID), SecretID: e.get(EnvAppRoleSecretID)}
	case MethodToken:
		auth.Token = e.get(EnvToken)
	case MethodKubernetes:
		auth.Kubernetes = &Kubernetes{
			Role:      firstNonEmpty(e.get(EnvKubernetesRole), namespace),
			TokenPath: e.get(EnvKubernetesToken),
		}
	case MethodAWS:
		auth.AWS = &AWS{Role: e.get(EnvAWSRole)}
	}
	return auth
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
