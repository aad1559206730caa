package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/systmms/vaultkit/internal/backend"
	"github.com/systmms/vaultkit/internal/secure"
)

// StaticToken wraps a pre-issued token. Authenticate verifies it with a
// self-lookup.
type StaticToken struct {
	Token *secure.Value
}

// NewStaticToken seals token and returns the scheme.
func NewStaticToken(token string) StaticToken {
	return StaticToken{Token: secure.Seal(token)}
}

func (StaticToken) Name() string { return "token" }

func (s StaticToken) login(ctx context.Context, a *Authenticator, client *api.Client) (*grant, error) {
	tok, err := s.Token.Reveal()
	if err != nil || tok == "" {
		return nil, &AuthError{Reason: InvalidToken, Scheme: s.Name(), Err: fmt.Errorf("token not set")}
	}

	client.SetToken(tok)
	secret, err := client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return nil, &AuthError{Reason: InvalidToken, Scheme: s.Name(), Err: err}
	}
	if secret == nil || secret.Data == nil {
		return nil, &AuthError{Reason: InvalidToken, Scheme: s.Name(), Err: fmt.Errorf("empty lookup-self response")}
	}

	g := &grant{token: tok}
	if exp, ok := backend.Time(secret.Data["expire_time"]); ok {
		g.expires = exp
	} else if ttl, ok := backend.Int(secret.Data["ttl"]); ok && ttl > 0 {
		g.ttl = time.Duration(ttl) * time.Second
	}
	if policies, err := secret.TokenPolicies(); err == nil {
		g.policies = policies
	}
	return g, nil
}

func (s StaticToken) destroy() {
	s.Token.Destroy()
}
