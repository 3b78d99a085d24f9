package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheaton/tollgate/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Vault: config.VaultConfig{HashSalt: "container-test-salt-0123456789"},
		RateLimits: config.RateLimitConfig{
			DefaultRequestsPerMinute: 60,
			DefaultParallelRequests:  4,
		},
		Credit: config.CreditConfig{TrialGrantUSD: 5},
		Catalog: []config.CatalogEntry{
			{Alias: "gpt-4o", Provider: "openai", ProviderModel: "gpt-4o", PriceInput: 2.5, PriceOutput: 10},
		},
		Providers: []config.ProviderConfig{
			{Slug: "openai", Type: "openai", APIKey: "sk-test"},
		},
	}
}

func TestNewContainerWiresMemoryStoreWithoutPool(t *testing.T) {
	container, err := NewContainer(context.Background(), testConfig(), nil, nil, nil)
	require.NoError(t, err)

	require.NotNil(t, container.Store)
	require.NotNil(t, container.Dispatcher)
	require.NotNil(t, container.Issuer)
	assert.Len(t, container.Routes, 1)
	assert.Contains(t, container.Routes, "openai")

	limits := container.DefaultLimits()
	assert.Equal(t, 60, limits.RequestsPerMinute)
	assert.Equal(t, 4, limits.ParallelRequests)
}

func TestCreateAccountSeedsTrialGrant(t *testing.T) {
	container, err := NewContainer(context.Background(), testConfig(), nil, nil, nil)
	require.NoError(t, err)

	account, err := container.CreateAccount(context.Background(), "acme", "starter")
	require.NoError(t, err)

	assert.True(t, account.Balance.Equal(decimal.NewFromInt(5)), "balance %s", account.Balance)
}

func TestReloadCatalogRejectsBadEntries(t *testing.T) {
	cfg := testConfig()
	container, err := NewContainer(context.Background(), cfg, nil, nil, nil)
	require.NoError(t, err)

	bad := &config.Config{Catalog: []config.CatalogEntry{{Alias: "", Provider: "openai"}}}
	require.Error(t, container.ReloadCatalog(bad))

	// The previous snapshot must survive a failed refresh.
	candidates, err := container.Registry.Resolve("gpt-4o", "")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}
