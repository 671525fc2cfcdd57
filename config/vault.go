package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// ResolveSecrets fills the storage credentials from Vault when a Vault
// address is configured. Values already present in the config are kept;
// Vault only fills the blanks.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	if c.Vault.Addr == "" {
		return nil
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = c.Vault.Addr

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if c.Vault.Token != "" {
		client.SetToken(c.Vault.Token)
	}

	path := c.Vault.SecretPath
	if path == "" {
		path = "secret/data/mnemosyne/storage"
	}

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s not found", path)
	}

	// KV v2 nests the payload under "data".
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	if c.Storage.S3AccessKey == "" {
		if v, ok := data["s3_access_key"].(string); ok {
			c.Storage.S3AccessKey = v
		}
	}
	if c.Storage.S3SecretKey == "" {
		if v, ok := data["s3_secret_key"].(string); ok {
			c.Storage.S3SecretKey = v
		}
	}

	return nil
}
