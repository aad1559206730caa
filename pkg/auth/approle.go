package auth

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/systmms/vaultkit/internal/secure"
)

// AppRole logs in with a role ID and secret ID.
type AppRole struct {
	RoleID    string
	SecretID  *secure.Value
	MountPath string // defaults to "approle"
}

// NewAppRole seals secretID and returns the scheme.
func NewAppRole(roleID, secretID, mountPath string) AppRole {
	return AppRole{RoleID: roleID, SecretID: secure.Seal(secretID), MountPath: mountPath}
}

func (AppRole) Name() string { return "approle" }

func (s AppRole) login(ctx context.Context, _ *Authenticator, client *api.Client) (*grant, error) {
	secretID, err := s.SecretID.Reveal()
	if err != nil {
		return nil, &AuthError{Reason: CredentialSourceMissing, Scheme: s.Name(), Err: fmt.Errorf("secret id: %w", err)}
	}

	return loginWith(ctx, client, s.Name(), mountOr(s.MountPath, "approle"), map[string]interface{}{
		"role_id":   s.RoleID,
		"secret_id": secretID,
	})
}

func (s AppRole) destroy() {
	s.SecretID.Destroy()
}
