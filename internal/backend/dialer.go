// Package backend builds Vault API clients and classifies their responses.
package backend

import (
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"
)

// TLS holds TLS settings for the backend connection.
type TLS struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// Dialer carries everything needed to open a backend connection except
// the session token.
type Dialer struct {
	Address    string
	Namespace  string
	TLS        TLS
	Timeout    time.Duration
	MaxRetries int
}

// Dial returns a client bound to d's address and namespace using token.
// An empty token yields an unauthenticated client suitable for login calls.
func (d Dialer) Dial(token string) (*api.Client, error) {
	if d.Address == "" {
		return nil, fmt.Errorf("backend address not set")
	}

	cfg := api.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("failed to build vault config: %w", cfg.Error)
	}
	cfg.Address = d.Address
	cfg.MaxRetries = d.MaxRetries
	if d.Timeout > 0 {
		cfg.Timeout = d.Timeout
	}

	if d.TLS != (TLS{}) {
		if err := cfg.ConfigureTLS(&api.TLSConfig{
			CACert:        d.TLS.CACert,
			ClientCert:    d.TLS.ClientCert,
			ClientKey:     d.TLS.ClientKey,
			TLSServerName: d.TLS.ServerName,
			Insecure:      d.TLS.SkipVerify,
		}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	// NewClient picks up VAULT_TOKEN and VAULT_NAMESPACE on its own; only
	// resolved configuration may decide these.
	client.SetToken(token)
	if d.Namespace != "" {
		client.SetNamespace(d.Namespace)
	} else {
		client.ClearNamespace()
	}

	return client, nil
}
