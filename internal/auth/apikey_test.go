package auth

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheaton/tollgate/internal/keyvault"
	"github.com/mheaton/tollgate/internal/store"
)

func newTestVault(t *testing.T) *keyvault.Vault {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	vault, err := keyvault.New(keyvault.Options{
		Keyring:        map[int]string{1: key},
		CurrentVersion: 1,
		HashSalt:       "unit-test-salt-0123456789",
	})
	require.NoError(t, err)
	return vault
}

func TestIssueStoresHashNotPlaintext(t *testing.T) {
	st := store.NewMemory()
	vault := newTestVault(t)
	issuer := NewIssuer(st, vault)

	account, err := st.CreateAccount(context.Background(), store.Account{ID: uuid.New(), Name: "acme", Active: true})
	require.NoError(t, err)

	key, token, err := issuer.Issue(context.Background(), IssueParams{AccountID: account.ID, Name: "default"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, "tg_"))
	assert.NotContains(t, key.KeyHash, token)
	assert.NotEqual(t, token, key.KeyEncrypted)
	assert.Equal(t, 1, key.KeyVersion)
	assert.Equal(t, []string{"chat", "models"}, key.Scopes)

	found, err := st.GetAPIKeyByHash(context.Background(), vault.Hash(token))
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)

	revealed, err := issuer.Reveal(found)
	require.NoError(t, err)
	assert.Equal(t, token, revealed)
}

func TestIssueHonorsParams(t *testing.T) {
	st := store.NewMemory()
	issuer := NewIssuer(st, newTestVault(t))

	expires := time.Now().Add(time.Hour).UTC()
	key, _, err := issuer.Issue(context.Background(), IssueParams{
		AccountID:      uuid.New(),
		Name:           "ci",
		Scopes:         []string{"chat"},
		AllowedIPs:     []string{"10.0.0.0/8"},
		AllowedDomains: []string{"example.com"},
		ExpiresAt:      &expires,
		RateLimit:      store.RateLimitOverride{RequestsPerMinute: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"chat"}, key.Scopes)
	assert.Equal(t, []string{"10.0.0.0/8"}, key.AllowedIPs)
	assert.Equal(t, 5, key.RateLimit.RequestsPerMinute)
	require.NotNil(t, key.ExpiresAt)
	assert.WithinDuration(t, expires, *key.ExpiresAt, time.Second)
}

func TestRevokeDeactivates(t *testing.T) {
	st := store.NewMemory()
	vault := newTestVault(t)
	issuer := NewIssuer(st, vault)

	key, token, err := issuer.Issue(context.Background(), IssueParams{AccountID: uuid.New(), Name: "temp"})
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(context.Background(), key.ID))

	found, err := st.GetAPIKeyByHash(context.Background(), vault.Hash(token))
	require.NoError(t, err)
	assert.False(t, found.Active)
}

func TestGeneratedKeysAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateAPIKey()
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}
