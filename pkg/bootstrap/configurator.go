// Package bootstrap prepares a fresh backend for use: init and unseal,
// KV mounts, policies and AppRoles. These operations run once with a root
// token and are not part of steady-state client use.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/systmms/vaultkit/internal/backend"
	dserrors "github.com/systmms/vaultkit/internal/errors"
	"github.com/systmms/vaultkit/internal/logging"
	"github.com/systmms/vaultkit/internal/secure"
	"github.com/systmms/vaultkit/pkg/auth"
	"github.com/systmms/vaultkit/pkg/session"
)

// Store kinds.
const (
	KindInit    = "init"
	kindAppRole = "approle-"
)

// DefaultTokenTTL is the token TTL given to created AppRoles.
const DefaultTokenTTL = 15 * time.Minute

// Initializer initializes and unseals a backend.
type Initializer interface {
	Initialize(ctx context.Context, shares, threshold int) (*InitResult, error)
}

// MountCreator enables KV v2 mounts.
type MountCreator interface {
	EnableKV(ctx context.Context, path string) error
}

// PolicyWriter uploads ACL policies.
type PolicyWriter interface {
	PutPolicy(ctx context.Context, name, file string) error
}

// AppRoleCreator creates AppRoles and issues their first secret ID.
type AppRoleCreator interface {
	CreateAppRole(ctx context.Context, spec AppRoleSpec) (*AppRoleCredentials, error)
}

var (
	_ Initializer    = (*Configurator)(nil)
	_ MountCreator   = (*Configurator)(nil)
	_ PolicyWriter   = (*Configurator)(nil)
	_ AppRoleCreator = (*Configurator)(nil)
)

// InitResult is the output of a first-time init.
type InitResult struct {
	RootToken *secure.Value
	Keys      []*secure.Value
}

// Destroy wipes the root token and keys.
func (r *InitResult) Destroy() {
	if r == nil {
		return
	}
	r.RootToken.Destroy()
	for _, k := range r.Keys {
		k.Destroy()
	}
}

// AppRoleSpec describes an AppRole to create.
type AppRoleSpec struct {
	Name      string
	MountPath string // defaults to "approle"
	Policies  []string
	TokenTTL  time.Duration // defaults to DefaultTokenTTL
}

// AppRoleCredentials are the login credentials of a created AppRole.
type AppRoleCredentials struct {
	Name      string
	MountPath string
	RoleID    string
	SecretID  *secure.Value
}

type storedInit struct {
	RootToken string   `json:"root_token"`
	Keys      []string `json:"keys"`
}

type storedAppRole struct {
	MountPath string `json:"mount_path"`
	RoleID    string `json:"role_id"`
	SecretID  string `json:"secret_id"`
}

// Configurator implements the bootstrap capabilities with a root token.
type Configurator struct {
	dialer backend.Dialer
	store  Store
	logger *logging.Logger

	mu       sync.Mutex
	sessions *session.Manager
	authn    *auth.Authenticator
}

// Option configures a Configurator.
type Option func(*Configurator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Configurator) { c.logger = l }
}

// New returns a Configurator. Call Login, or Initialize on a fresh
// backend, before the other operations.
func New(dialer backend.Dialer, store Store, opts ...Option) *Configurator {
	c := &Configurator{dialer: dialer, store: store, logger: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login verifies rootToken and uses it for subsequent operations. An
// invalid token is fatal.
func (c *Configurator) Login(ctx context.Context, rootToken string) error {
	authn := auth.New(auth.NewStaticToken(rootToken), c.dialer, auth.WithLogger(c.logger))
	sessions := session.NewManager(authn, session.WithLogger(c.logger))
	if _, err := sessions.Current(ctx); err != nil {
		authn.Close()
		return dserrors.UserError{
			Message:    "Root token login failed",
			Details:    err.Error(),
			Suggestion: "Check the root token, it may have been revoked",
			Err:        err,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authn != nil {
		c.authn.Close()
	}
	c.sessions, c.authn = sessions, authn
	c.logger.Info("Logged in to %s with root token", c.dialer.Address)
	return nil
}

// Close drops the root session and wipes its token.
func (c *Configurator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions != nil {
		c.sessions.Drop()
	}
	if c.authn != nil {
		c.authn.Close()
	}
	c.sessions, c.authn = nil, nil
}

func (c *Configurator) root() (*session.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions == nil {
		return nil, dserrors.UserError{
			Message:    "No root session",
			Suggestion: "Call Login with a root token or Initialize a fresh backend first",
		}
	}
	return c.sessions, nil
}

// Initialize inits a fresh backend with shares unseal keys, persists the
// root token and keys through the store and unseals it. It returns nil
// when the backend is already initialized. If persisting fails the result
// is still returned alongside the error so the keys are not lost.
func (c *Configurator) Initialize(ctx context.Context, shares, threshold int) (*InitResult, error) {
	if shares < 1 || threshold < 1 || threshold > shares {
		return nil, dserrors.ConfigError{
			Field:      "threshold",
			Value:      fmt.Sprintf("%d of %d", threshold, shares),
			Message:    "unseal threshold must be between 1 and the number of shares",
			Suggestion: "Use e.g. 5 shares with a threshold of 3",
		}
	}

	client, err := c.dialer.Dial("")
	if err != nil {
		return nil, err
	}

	initialized, err := client.Sys().InitStatusWithContext(ctx)
	if err != nil {
		return nil, dserrors.BackendError("read init status", c.dialer.Address, err)
	}
	if initialized {
		c.logger.Info("Backend %s is already initialized", c.dialer.Address)
		return nil, nil
	}

	c.logger.Info("Backend %s is not initialized, initializing with %d shares (threshold %d)", c.dialer.Address, shares, threshold)
	resp, err := client.Sys().InitWithContext(ctx, &api.InitRequest{SecretShares: shares, SecretThreshold: threshold})
	if err != nil {
		return nil, dserrors.BackendError("initialize", c.dialer.Address, err)
	}

	result := &InitResult{RootToken: secure.Seal(resp.RootToken)}
	for _, k := range resp.Keys {
		result.Keys = append(result.Keys, secure.Seal(k))
	}

	if err := c.store.Save(KindInit, storedInit{RootToken: resp.RootToken, Keys: resp.Keys}); err != nil {
		return result, fmt.Errorf("persisting init output: %w", err)
	}

	for i := 0; i < threshold; i++ {
		status, err := client.Sys().UnsealWithContext(ctx, resp.Keys[i])
		if err != nil {
			return result, dserrors.BackendError("unseal", c.dialer.Address, err)
		}
		if !status.Sealed {
			break
		}
	}
	c.logger.Info("Backend %s has been unsealed", c.dialer.Address)

	if err := c.Login(ctx, resp.RootToken); err != nil {
		return result, err
	}
	return result, nil
}

// EnableKV mounts a KV v2 engine at path. An existing mount is not an error.
func (c *Configurator) EnableKV(ctx context.Context, path string) error {
	sessions, err := c.root()
	if err != nil {
		return err
	}
	path = strings.Trim(path, "/")

	_, err = session.Do(ctx, sessions, "bootstrap.mount", func(ctx context.Context, s *auth.Session) (struct{}, error) {
		return struct{}{}, s.Client().Sys().MountWithContext(ctx, path, &api.MountInput{
			Type:        "kv",
			Description: "KV v2 mount created by vaultkit bootstrap",
			Options:     map[string]string{"version": "2"},
		})
	})
	if alreadyInUse(err) {
		c.logger.Warn("Mount %s already exists, leaving it as is", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enabling KV v2 at %s: %w", path, err)
	}
	c.logger.Info("Enabled KV v2 at %s", path)
	return nil
}

// PutPolicy uploads the HCL policy in file under name.
func (c *Configurator) PutPolicy(ctx context.Context, name, file string) error {
	rules, err := os.ReadFile(file)
	if err != nil {
		return dserrors.UserError{
			Message:    fmt.Sprintf("Cannot read policy file for %s", name),
			Details:    err.Error(),
			Suggestion: "Check the policy file path",
			Err:        err,
		}
	}
	sessions, err := c.root()
	if err != nil {
		return err
	}

	_, err = session.Do(ctx, sessions, "bootstrap.policy", func(ctx context.Context, s *auth.Session) (struct{}, error) {
		return struct{}{}, s.Client().Sys().PutPolicyWithContext(ctx, name, string(rules))
	})
	if err != nil {
		return fmt.Errorf("uploading policy %s: %w", name, err)
	}
	c.logger.Info("Uploaded policy %s from %s", name, file)
	return nil
}

// CreateAppRole enables the AppRole auth mount if needed, writes the role,
// issues a secret ID, persists it and verifies it with a test login whose
// token is revoked straight away.
func (c *Configurator) CreateAppRole(ctx context.Context, spec AppRoleSpec) (*AppRoleCredentials, error) {
	if spec.Name == "" {
		return nil, dserrors.ConfigError{Field: "name", Message: "AppRole name not specified"}
	}
	sessions, err := c.root()
	if err != nil {
		return nil, err
	}
	mount := strings.Trim(spec.MountPath, "/")
	if mount == "" {
		mount = "approle"
	}
	ttl := spec.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	rolePath := "auth/" + mount + "/role/" + spec.Name

	_, err = session.Do(ctx, sessions, "bootstrap.auth", func(ctx context.Context, s *auth.Session) (struct{}, error) {
		return struct{}{}, s.Client().Sys().EnableAuthWithOptionsWithContext(ctx, mount, &api.EnableAuthOptions{Type: "approle"})
	})
	switch {
	case alreadyInUse(err):
		c.logger.Warn("Auth mount %s already exists, leaving it as is", mount)
	case err != nil:
		return nil, fmt.Errorf("enabling approle auth at %s: %w", mount, err)
	}

	creds, err := session.Do(ctx, sessions, "bootstrap.approle", func(ctx context.Context, s *auth.Session) (*AppRoleCredentials, error) {
		logical := s.Client().Logical()
		if _, err := logical.WriteWithContext(ctx, rolePath, map[string]interface{}{
			"token_policies":          spec.Policies,
			"token_type":              "service",
			"token_ttl":               fmt.Sprintf("%ds", int(ttl.Seconds())),
			"token_num_uses":          0,
			"secret_id_num_uses":      0,
			"bind_secret_id":          true,
			"token_no_default_policy": true,
		}); err != nil {
			return nil, err
		}

		roleID, err := logical.ReadWithContext(ctx, rolePath+"/role-id")
		if err != nil {
			return nil, err
		}
		if roleID == nil {
			return nil, fmt.Errorf("role %s has no role-id", spec.Name)
		}
		secretID, err := logical.WriteWithContext(ctx, rolePath+"/secret-id", nil)
		if err != nil {
			return nil, err
		}
		if secretID == nil {
			return nil, fmt.Errorf("no secret-id issued for %s", spec.Name)
		}
		return &AppRoleCredentials{
			Name:      spec.Name,
			MountPath: mount,
			RoleID:    backend.String(roleID.Data["role_id"]),
			SecretID:  secure.Seal(backend.String(secretID.Data["secret_id"])),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating approle %s: %w", spec.Name, err)
	}
	c.logger.Info("Created approle %s on %s with policies %v", spec.Name, mount, spec.Policies)

	secretID, err := creds.SecretID.Reveal()
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(kindAppRole+spec.Name, storedAppRole{MountPath: mount, RoleID: creds.RoleID, SecretID: secretID}); err != nil {
		return nil, fmt.Errorf("persisting approle %s: %w", spec.Name, err)
	}

	if err := c.testLogin(ctx, mount, creds.RoleID, secretID); err != nil {
		return nil, fmt.Errorf("test login with approle %s: %w", spec.Name, err)
	}
	return creds, nil
}

func (c *Configurator) testLogin(ctx context.Context, mount, roleID, secretID string) error {
	authn := auth.New(auth.NewAppRole(roleID, secretID, mount), c.dialer, auth.WithLogger(c.logger))
	defer authn.Close()

	s, err := authn.Authenticate(ctx)
	if err != nil {
		return err
	}
	if err := s.Client().Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		return fmt.Errorf("revoking test token: %w", err)
	}
	c.logger.Info("Test login with approle on %s succeeded, test token revoked (session %s)", mount, s.ID)
	return nil
}

// LoadAppRole reads persisted credentials for the AppRole name.
func LoadAppRole(store Store, name string) (*AppRoleCredentials, error) {
	var stored storedAppRole
	if err := store.Load(kindAppRole+name, &stored); err != nil {
		return nil, err
	}
	return &AppRoleCredentials{
		Name:      name,
		MountPath: stored.MountPath,
		RoleID:    stored.RoleID,
		SecretID:  secure.Seal(stored.SecretID),
	}, nil
}

func alreadyInUse(err error) bool {
	return err != nil && backend.HasMessage(err, "already in use")
}
