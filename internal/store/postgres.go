package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateAccount(ctx context.Context, account Account) (Account, error) {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, name, plan, balance, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		account.ID, account.Name, account.Plan, account.Balance, account.Active,
	)
	if err := row.Scan(&account.CreatedAt); err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return account, nil
}

func (p *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, plan, balance, active, created_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *Postgres) AccountBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := p.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("account balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) CreateAPIKey(ctx context.Context, key APIKey) (APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return APIKey{}, fmt.Errorf("marshal scopes: %w", err)
	}
	allowedIPs, err := json.Marshal(key.AllowedIPs)
	if err != nil {
		return APIKey{}, fmt.Errorf("marshal allowed ips: %w", err)
	}
	allowedDomains, err := json.Marshal(key.AllowedDomains)
	if err != nil {
		return APIKey{}, fmt.Errorf("marshal allowed domains: %w", err)
	}
	rateLimit, err := json.Marshal(key.RateLimit)
	if err != nil {
		return APIKey{}, fmt.Errorf("marshal rate limit: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO api_keys (
			id, account_id, name, key_hash, key_encrypted, key_version, redacted,
			scopes, allowed_ips, allowed_domains, rate_limit, active, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`,
		key.ID, key.AccountID, key.Name, key.KeyHash, key.KeyEncrypted,
		key.KeyVersion, key.Redacted, scopes, allowedIPs, allowedDomains,
		rateLimit, key.Active, key.ExpiresAt,
	)
	if err := row.Scan(&key.CreatedAt); err != nil {
		return APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return key, nil
}

func (p *Postgres) GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, account_id, name, key_hash, key_encrypted, key_version, redacted,
		       scopes, allowed_ips, allowed_domains, rate_limit, active, expires_at,
		       last_used_at, created_at
		FROM api_keys WHERE key_hash = $1`, hash)
	return scanAPIKey(row)
}

func (p *Postgres) DeactivateAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE api_keys SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) TouchAPIKey(ctx context.Context, id uuid.UUID, when time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, when)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// AppendTransaction serializes against concurrent mutations of the same
// account via a row lock, re-reads the balance, and writes the ledger entry
// plus the balance update in one transaction.
func (p *Postgres) AppendTransaction(ctx context.Context, params AppendParams) (Transaction, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var before decimal.Decimal
	err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, params.AccountID).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("lock account: %w", err)
	}

	amount := params.Amount
	after := before.Add(amount)
	if after.IsNegative() {
		if !params.ClampToBalance {
			return Transaction{}, ErrInsufficientBalance
		}
		amount = before.Neg()
		after = decimal.Zero
	}

	record := Transaction{
		AccountID:     params.AccountID,
		Amount:        amount,
		Kind:          params.Kind,
		Description:   params.Description,
		Reference:     params.Reference,
		BalanceBefore: before,
		BalanceAfter:  after,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (
			account_id, amount, kind, description, reference, balance_before, balance_after
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		record.AccountID, record.Amount, record.Kind, record.Description,
		record.Reference, record.BalanceBefore, record.BalanceAfter,
	)
	if err := row.Scan(&record.ID, &record.CreatedAt); err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, params.AccountID, after); err != nil {
		return Transaction{}, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return record, nil
}

func (p *Postgres) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int32) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, account_id, amount, kind, description, reference,
		       balance_before, balance_after, created_at
		FROM credit_transactions
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.Amount, &t.Kind, &t.Description, &t.Reference,
			&t.BalanceBefore, &t.BalanceAfter, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Plan, &a.Balance, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func scanAPIKey(row pgx.Row) (APIKey, error) {
	var (
		k              APIKey
		scopes         []byte
		allowedIPs     []byte
		allowedDomains []byte
		rateLimit      []byte
	)
	err := row.Scan(
		&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyEncrypted, &k.KeyVersion,
		&k.Redacted, &scopes, &allowedIPs, &allowedDomains, &rateLimit,
		&k.Active, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("scan api key: %w", err)
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &k.Scopes); err != nil {
			return APIKey{}, fmt.Errorf("decode scopes: %w", err)
		}
	}
	if len(allowedIPs) > 0 {
		if err := json.Unmarshal(allowedIPs, &k.AllowedIPs); err != nil {
			return APIKey{}, fmt.Errorf("decode allowed ips: %w", err)
		}
	}
	if len(allowedDomains) > 0 {
		if err := json.Unmarshal(allowedDomains, &k.AllowedDomains); err != nil {
			return APIKey{}, fmt.Errorf("decode allowed domains: %w", err)
		}
	}
	if len(rateLimit) > 0 {
		if err := json.Unmarshal(rateLimit, &k.RateLimit); err != nil {
			return APIKey{}, fmt.Errorf("decode rate limit: %w", err)
		}
	}
	return k, nil
}
