package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInsufficientBalance is returned when a debit would take an account
	// balance below zero.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// Account is a billing principal. Balance moves only through ledger
// transactions; accounts are deactivated, never deleted.
type Account struct {
	ID        uuid.UUID
	Name      string
	Plan      string
	Balance   decimal.Decimal
	Active    bool
	CreatedAt time.Time
}

// APIKey is a credential bound to one account. The secret is stored twice:
// an HMAC digest for O(1) lookup and a reversible ciphertext for display.
type APIKey struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	Name           string
	KeyHash        string
	KeyEncrypted   string
	KeyVersion     int
	Redacted       string
	Scopes         []string
	AllowedIPs     []string
	AllowedDomains []string
	RateLimit      RateLimitOverride
	Active         bool
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
	CreatedAt      time.Time
}

// RateLimitOverride carries per-key limit overrides. Zero means "no override,
// fall back to the plan default".
type RateLimitOverride struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int `json:"requests_per_hour,omitempty"`
	RequestsPerDay    int `json:"requests_per_day,omitempty"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty"`
	TokensPerHour     int `json:"tokens_per_hour,omitempty"`
	TokensPerDay      int `json:"tokens_per_day,omitempty"`
	ParallelRequests  int `json:"parallel_requests,omitempty"`
}

// Transaction is one immutable credit ledger entry. BalanceBefore/After are
// snapshots taken under the same serialization as the balance mutation.
type Transaction struct {
	ID            int64
	AccountID     uuid.UUID
	Amount        decimal.Decimal
	Kind          string
	Description   string
	Reference     string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	CreatedAt     time.Time
}

// AppendParams describe a balance mutation. Amount is signed: grants are
// positive, usage debits negative.
type AppendParams struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	Kind        string
	Description string
	Reference   string
	// ClampToBalance caps a debit at the current balance instead of failing
	// with ErrInsufficientBalance. Used for billed-as-loss entries.
	ClampToBalance bool
}

// Store is the row-oriented persistence contract shared by the Postgres
// implementation and the in-memory test double. AppendTransaction must
// serialize the read-balance/write-balance pair per account.
type Store interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	AccountBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)

	CreateAPIKey(ctx context.Context, key APIKey) (APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error)
	DeactivateAPIKey(ctx context.Context, id uuid.UUID) error
	TouchAPIKey(ctx context.Context, id uuid.UUID, when time.Time) error

	AppendTransaction(ctx context.Context, params AppendParams) (Transaction, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int32) ([]Transaction, error)
}
