package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/vault/api"
)

// DefaultTokenPath is where Kubernetes mounts the service account token.
const DefaultTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// PlatformIdentity exchanges a platform-issued identity token, read from
// a local file, for a session.
type PlatformIdentity struct {
	TokenPath string // defaults to DefaultTokenPath
	Role      string
	MountPath string // defaults to "kubernetes"
}

func (PlatformIdentity) Name() string { return "kubernetes" }

func (s PlatformIdentity) login(ctx context.Context, a *Authenticator, client *api.Client) (*grant, error) {
	path := s.TokenPath
	if path == "" {
		path = DefaultTokenPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &AuthError{Reason: CredentialSourceMissing, Scheme: s.Name(), Err: err}
	}
	identity := strings.TrimSpace(string(raw))
	if identity == "" {
		return nil, &AuthError{Reason: CredentialSourceMissing, Scheme: s.Name(), Err: fmt.Errorf("identity token file %s is empty", path)}
	}

	// Tokens that are not JWTs are passed through for the backend to judge.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(identity, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(a.now()) {
			return nil, &AuthError{
				Reason: InvalidCredentials,
				Scheme: s.Name(),
				Err:    fmt.Errorf("identity token expired at %s", exp.UTC().Format("2006-01-02T15:04:05Z")),
			}
		}
	}

	return loginWith(ctx, client, s.Name(), mountOr(s.MountPath, "kubernetes"), map[string]interface{}{
		"role": s.Role,
		"jwt":  identity,
	})
}

func (PlatformIdentity) destroy() {}
