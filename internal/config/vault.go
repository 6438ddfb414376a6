package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"
)

// resolveVault fetches one field of a Vault secret. References look like
// secret/data/slotwise#db_password: mount path before the '#', field
// name after it.
func resolveVault(ref string) (string, error) {
	path, key, ok := strings.Cut(ref, "#")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("malformed Vault reference %q: want path#key", ref)
	}
	if os.Getenv(api.EnvVaultAddress) == "" {
		return "", fmt.Errorf("resolving %q: VAULT_ADDR is not set", ref)
	}

	// DefaultConfig picks up VAULT_ADDR and the TLS settings from the
	// environment; NewClient does the same for VAULT_TOKEN.
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("creating Vault client: %w", err)
	}
	if client.Token() == "" {
		return "", fmt.Errorf("resolving %q: VAULT_TOKEN is not set", ref)
	}

	secret, err := client.Logical().Read(path)
	if err != nil {
		return "", fmt.Errorf("reading Vault path %s: %w", path, err)
	}
	if secret == nil || len(secret.Data) == 0 {
		return "", fmt.Errorf("no secret at Vault path %s", path)
	}

	fields := secret.Data
	// KV v2 nests the fields one level down.
	if nested, ok := fields["data"].(map[string]any); ok {
		fields = nested
	}

	value, ok := fields[key].(string)
	if !ok {
		return "", fmt.Errorf("Vault path %s has no string field %q", path, key)
	}
	return value, nil
}
