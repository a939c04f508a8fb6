package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultResolver reads secrets from a Vault KV v2 mount. References take the
// form "path#field"; without a field the whole secret is returned as JSON.
type VaultResolver struct {
	client *vault.Client
	mount  string
}

// VaultOptions locates the Vault server. Empty fields fall back to the
// client's VAULT_* environment handling.
type VaultOptions struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
}

// NewVaultResolver builds a resolver backed by the Vault HTTP API.
func NewVaultResolver(opts VaultOptions) (*VaultResolver, error) {
	cfg := vault.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("secrets: vault config: %w", cfg.Error)
	}
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}
	if opts.Namespace != "" {
		client.SetNamespace(opts.Namespace)
	}
	mount := strings.Trim(opts.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultResolver{client: client, mount: mount}, nil
}

// Resolve reads the secret at path and picks the requested field.
func (r *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	path, field := splitVaultRef(ref)
	if path == "" {
		return "", ErrInvalidRef
	}
	secret, err := r.client.Logical().ReadWithContext(ctx, r.mount+"/data/"+path)
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: vault path %s", ErrNotFound, path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok || data == nil {
		return "", fmt.Errorf("%w: no data at vault path %s", ErrNotFound, path)
	}
	if field == "" {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("secrets: encode vault data: %w", err)
		}
		return string(raw), nil
	}
	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q at vault path %s", ErrNotFound, field, path)
	}
	return fmt.Sprint(val), nil
}

func splitVaultRef(ref string) (path, field string) {
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		return strings.Trim(ref[:i], "/"), ref[i+1:]
	}
	return strings.Trim(ref, "/"), ""
}
