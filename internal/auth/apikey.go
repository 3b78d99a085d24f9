package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/mheaton/tollgate/internal/keyvault"
	"github.com/mheaton/tollgate/internal/store"
)

const (
	apiKeySecretLength = 48
	apiKeyPrefix       = "tg_"
	alphabet           = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateAPIKey returns a new plaintext API key token.
func GenerateAPIKey() (string, error) {
	secret, err := randomString(apiKeySecretLength)
	if err != nil {
		return "", err
	}
	return apiKeyPrefix + secret, nil
}

func randomString(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// Issuer mints and revokes API keys. The plaintext token is returned exactly
// once at issuance; the store only ever holds the vault hash and ciphertext.
type Issuer struct {
	store store.Store
	vault *keyvault.Vault
}

func NewIssuer(st store.Store, vault *keyvault.Vault) *Issuer {
	return &Issuer{store: st, vault: vault}
}

// IssueParams describe a key to mint. Zero-valued optional fields mean
// unrestricted: no expiry, no allow-lists, plan-default limits.
type IssueParams struct {
	AccountID      uuid.UUID
	Name           string
	Scopes         []string
	AllowedIPs     []string
	AllowedDomains []string
	ExpiresAt      *time.Time
	RateLimit      store.RateLimitOverride
}

// Issue creates a key record and returns it with the plaintext token.
func (i *Issuer) Issue(ctx context.Context, p IssueParams) (store.APIKey, string, error) {
	token, err := GenerateAPIKey()
	if err != nil {
		return store.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}

	encrypted, version, err := i.vault.Encrypt(token)
	if err != nil {
		return store.APIKey{}, "", fmt.Errorf("encrypt api key: %w", err)
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{"chat", "models"}
	}

	key := store.APIKey{
		ID:             uuid.New(),
		AccountID:      p.AccountID,
		Name:           p.Name,
		KeyHash:        i.vault.Hash(token),
		KeyEncrypted:   encrypted,
		KeyVersion:     version,
		Redacted:       keyvault.Redact(token),
		Scopes:         scopes,
		AllowedIPs:     p.AllowedIPs,
		AllowedDomains: p.AllowedDomains,
		RateLimit:      p.RateLimit,
		Active:         true,
		ExpiresAt:      p.ExpiresAt,
		CreatedAt:      time.Now().UTC(),
	}

	created, err := i.store.CreateAPIKey(ctx, key)
	if err != nil {
		return store.APIKey{}, "", fmt.Errorf("persist api key: %w", err)
	}
	return created, token, nil
}

// Reveal decrypts a stored key back to its plaintext token.
func (i *Issuer) Reveal(key store.APIKey) (string, error) {
	return i.vault.Decrypt(key.KeyEncrypted, key.KeyVersion)
}

// Revoke deactivates a key. Records stay behind for transaction history.
func (i *Issuer) Revoke(ctx context.Context, id uuid.UUID) error {
	return i.store.DeactivateAPIKey(ctx, id)
}
