package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store used by tests and the mintkey dry-run mode.
// A single mutex serializes AppendTransaction the same way the Postgres row
// lock does.
type Memory struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]Account
	keysByHash   map[string]APIKey
	transactions []Transaction
	nextTxID     int64
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[uuid.UUID]Account),
		keysByHash: make(map[string]APIKey),
		nextTxID:   1,
	}
}

func (m *Memory) CreateAccount(_ context.Context, account Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	account.CreatedAt = time.Now().UTC()
	m.accounts[account.ID] = account
	return account, nil
}

func (m *Memory) GetAccount(_ context.Context, id uuid.UUID) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (m *Memory) AccountBalance(_ context.Context, id uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return account.Balance, nil
}

func (m *Memory) CreateAPIKey(_ context.Context, key APIKey) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = time.Now().UTC()
	m.keysByHash[key.KeyHash] = key
	return key, nil
}

func (m *Memory) GetAPIKeyByHash(_ context.Context, hash string) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keysByHash[hash]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return key, nil
}

func (m *Memory) DeactivateAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, key := range m.keysByHash {
		if key.ID == id {
			key.Active = false
			m.keysByHash[hash] = key
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) TouchAPIKey(_ context.Context, id uuid.UUID, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, key := range m.keysByHash {
		if key.ID == id {
			key.LastUsedAt = &when
			m.keysByHash[hash] = key
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) AppendTransaction(_ context.Context, params AppendParams) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[params.AccountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}

	amount := params.Amount
	after := account.Balance.Add(amount)
	if after.IsNegative() {
		if !params.ClampToBalance {
			return Transaction{}, ErrInsufficientBalance
		}
		amount = account.Balance.Neg()
		after = decimal.Zero
	}

	record := Transaction{
		ID:            m.nextTxID,
		AccountID:     params.AccountID,
		Amount:        amount,
		Kind:          params.Kind,
		Description:   params.Description,
		Reference:     params.Reference,
		BalanceBefore: account.Balance,
		BalanceAfter:  after,
		CreatedAt:     time.Now().UTC(),
	}
	m.nextTxID++
	m.transactions = append(m.transactions, record)

	account.Balance = after
	m.accounts[params.AccountID] = account
	return record, nil
}

func (m *Memory) ListTransactions(_ context.Context, accountID uuid.UUID, limit int32) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]Transaction, 0, limit)
	for i := len(m.transactions) - 1; i >= 0 && int32(len(out)) < limit; i-- {
		if m.transactions[i].AccountID == accountID {
			out = append(out, m.transactions[i])
		}
	}
	return out, nil
}
