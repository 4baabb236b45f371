package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// Secrets are the credentials the process needs at runtime. They never live
// in the config file: resolution order is Vault (when VAULT_ADDR is set),
// then plain environment variables.
type Secrets struct {
	TelegramToken   string
	AnthropicAPIKey string
	PostgresDSN     string
}

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address
// and authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// LoadSecrets resolves runtime credentials. With VAULT_ADDR set, the KV v2
// path (VAULT_SECRET_PATH, default secret/data/sentinel) is read first and
// env vars fill any gaps; otherwise env vars alone are used.
func LoadSecrets() (*Secrets, error) {
	sec := &Secrets{
		TelegramToken:   os.Getenv("TELEGRAM_TOKEN"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		PostgresDSN:     os.Getenv("PG_DSN"),
	}

	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		return sec, nil
	}

	mgr, err := NewSecretManager(vaultAddr, os.Getenv("VAULT_TOKEN"))
	if err != nil {
		return nil, err
	}

	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/sentinel"
	}
	data, err := mgr.GetKV2(secretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	if v, ok := data["TELEGRAM_TOKEN"].(string); ok && v != "" {
		sec.TelegramToken = v
	}
	if v, ok := data["ANTHROPIC_API_KEY"].(string); ok && v != "" {
		sec.AnthropicAPIKey = v
	}
	if v, ok := data["PG_DSN"].(string); ok && v != "" {
		sec.PostgresDSN = v
	}
	return sec, nil
}
