// Package secrets resolves the decision-engine credential from
// HashiCorp Vault, with an environment-variable fallback when Vault is
// disabled or unreachable.
package secrets

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/config"
)

// Credential is what the decision-engine invoker authenticates with.
type Credential struct {
	APIKey   string
	Endpoint string
}

// Client reads decision-engine credentials.
type Client struct {
	client *vault.Client
	cfg    config.VaultConfig
	logger zerolog.Logger
}

// NewClient creates a secrets client. With Vault disabled the client
// only serves the env fallback.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger.With().Str("component", "secrets").Logger()}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// DecisionEngineCredential reads the credential from Vault KV v2,
// falling back to DECISION_ENGINE_API_KEY / DECISION_ENGINE_ENDPOINT
// when Vault is disabled or the read fails.
func (c *Client) DecisionEngineCredential(ctx context.Context) (Credential, error) {
	if c.client != nil {
		secret, err := c.client.KVv2(c.cfg.MountPath).Get(ctx, c.cfg.SecretPath)
		if err == nil && secret != nil {
			cred := Credential{}
			if v, ok := secret.Data["api_key"].(string); ok {
				cred.APIKey = v
			}
			if v, ok := secret.Data["endpoint"].(string); ok {
				cred.Endpoint = v
			}
			if cred.APIKey != "" {
				return cred, nil
			}
		}
		c.logger.Warn().Err(err).Str("path", c.cfg.SecretPath).
			Msg("vault read failed, falling back to environment")
	}

	cred := Credential{
		APIKey:   os.Getenv("DECISION_ENGINE_API_KEY"),
		Endpoint: os.Getenv("DECISION_ENGINE_ENDPOINT"),
	}
	if cred.APIKey == "" {
		return cred, fmt.Errorf("no decision-engine credential available")
	}
	return cred, nil
}
