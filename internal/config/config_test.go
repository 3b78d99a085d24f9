package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost/tollgate"},
		Vault:    VaultConfig{HashSalt: "0123456789abcdef"},
		RateLimits: RateLimitConfig{
			DefaultRequestsPerMinute: 60,
			DefaultTokensPerMinute:   100000,
			DefaultParallelRequests:  4,
		},
		Providers: []ProviderConfig{
			{Slug: "openai", APIKey: "sk-test"},
		},
		Catalog: []CatalogEntry{
			{Alias: "gpt-4o", Provider: "OpenAI", ProviderModel: "gpt-4o"},
		},
	}
}

func TestValidateAggregatesMissingRequired(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOLLGATE_DATABASE_URL")
	assert.Contains(t, err.Error(), "TOLLGATE_VAULT_HASH_SALT")
}

func TestValidateRejectsShortHashSalt(t *testing.T) {
	cfg := validConfig()
	cfg.Vault.HashSalt = "short"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 16 characters")
}

func TestValidateNormalizesProviderSlugs(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "openai", cfg.Catalog[0].Provider)
	assert.Equal(t, "USD", cfg.Credit.Currency)
}

func TestValidateRejectsCatalogWithUnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Catalog = append(cfg.Catalog, CatalogEntry{
		Alias: "claude", Provider: "anthropic", ProviderModel: "claude-sonnet-4",
	})
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not a configured provider"), err.Error())
}

func TestVaultKeyringParsing(t *testing.T) {
	cfg := validConfig()
	cfg.Vault.Keyring = map[string]string{"1": "a", "2": "b"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Vault.CurrentVersion, "defaults to the highest version")

	keyring, err := cfg.Vault.ParsedKeyring()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "a", 2: "b"}, keyring)

	cfg.Vault.Keyring = map[string]string{"one": "a"}
	cfg.Vault.CurrentVersion = 0
	require.Error(t, cfg.Validate())
}

func TestVaultCurrentVersionMustExist(t *testing.T) {
	cfg := validConfig()
	cfg.Vault.Keyring = map[string]string{"1": "a"}
	cfg.Vault.CurrentVersion = 7
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no keyring entry")
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("TOLLGATE_DATABASE_URL", "postgres://localhost/tollgate")
	t.Setenv("TOLLGATE_VAULT_HASH_SALT", "0123456789abcdef")

	cfg, err := Load(Options{EnvFile: "/dev/null"})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 1000, cfg.RateLimits.DefaultRequestsPerMinute)
	assert.Equal(t, 10, cfg.RateLimits.DefaultParallelRequests)
	assert.True(t, cfg.Database.RunMigrations)
}
