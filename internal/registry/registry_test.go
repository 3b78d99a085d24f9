package registry

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries() []Entry {
	return []Entry{
		{Alias: "gpt-4o", Provider: "openai", ProviderModel: "gpt-4o-2024-11-20", Priority: 0,
			PriceInput: decimal.RequireFromString("0.0025"), PriceOutput: decimal.RequireFromString("0.01")},
		{Alias: "fast-chat", Provider: "openai", ProviderModel: "gpt-4o-mini", Priority: 0},
		{Alias: "fast-chat", Provider: "anthropic", ProviderModel: "claude-3-5-haiku-latest", Priority: 1},
		{Alias: "claude-sonnet", Provider: "anthropic", ProviderModel: "claude-sonnet-4-20250514", Priority: 0},
	}
}

func TestResolveAliasOrdersByPriority(t *testing.T) {
	reg, err := New(testEntries())
	require.NoError(t, err)

	candidates, err := reg.Resolve("fast-chat", "")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "openai", candidates[0].Provider)
	assert.Equal(t, "gpt-4o-mini", candidates[0].Model)
	assert.Equal(t, "anthropic", candidates[1].Provider)
	assert.False(t, candidates[0].Passthrough)
}

func TestResolveProviderPin(t *testing.T) {
	reg, err := New(testEntries())
	require.NoError(t, err)

	candidates, err := reg.Resolve("fast-chat", "anthropic")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "claude-3-5-haiku-latest", candidates[0].Model)

	_, err = reg.Resolve("claude-sonnet", "openai")
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestResolveProviderQualifiedPassthrough(t *testing.T) {
	reg, err := New(testEntries())
	require.NoError(t, err)

	candidates, err := reg.Resolve("openai/gpt-3.5-turbo", "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "openai", candidates[0].Provider)
	assert.Equal(t, "gpt-3.5-turbo", candidates[0].Model)
	assert.True(t, candidates[0].Passthrough)

	// Unknown first segment is not a passthrough, it is an unknown model.
	_, err = reg.Resolve("mistral/mistral-large", "")
	require.ErrorIs(t, err, ErrUnknownModel)

	// A pin that contradicts the qualified provider is rejected.
	_, err = reg.Resolve("openai/gpt-3.5-turbo", "anthropic")
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestResolveUnknownModel(t *testing.T) {
	reg, err := New(testEntries())
	require.NoError(t, err)

	_, err = reg.Resolve("no-such-model", "")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestDisabledEntriesSkippedButProviderStaysKnown(t *testing.T) {
	off := false
	entries := []Entry{
		{Alias: "gpt-4o", Provider: "openai", ProviderModel: "gpt-4o", Enabled: &off},
	}
	reg, err := New(entries)
	require.NoError(t, err)

	_, err = reg.Resolve("gpt-4o", "")
	require.ErrorIs(t, err, ErrUnknownModel)

	// Passthrough still works for a known provider with all aliases disabled.
	candidates, err := reg.Resolve("openai/gpt-4o", "")
	require.NoError(t, err)
	assert.True(t, candidates[0].Passthrough)
}

func TestRefreshFailureKeepsOldSnapshot(t *testing.T) {
	reg, err := New(testEntries())
	require.NoError(t, err)

	err = reg.Refresh([]Entry{{Alias: "", Provider: "openai"}})
	require.Error(t, err)

	candidates, err := reg.Resolve("gpt-4o", "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-2024-11-20", candidates[0].Model)
}

func TestModelsListing(t *testing.T) {
	reg, err := New(testEntries())
	require.NoError(t, err)

	models := reg.Models()
	require.Len(t, models, 3)
	assert.Equal(t, "claude-sonnet", models[0].Alias)
	assert.Equal(t, "fast-chat", models[1].Alias)
	assert.ElementsMatch(t, []string{"openai", "anthropic"}, models[1].Providers)
}

func TestResolveDuringConcurrentRefresh(t *testing.T) {
	reg, err := New(testEntries())
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = reg.Refresh(testEntries())
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		candidates, err := reg.Resolve("fast-chat", "")
		require.NoError(t, err)
		require.Len(t, candidates, 2, "snapshot must be consistent")
	}
	close(stop)
	wg.Wait()
}
