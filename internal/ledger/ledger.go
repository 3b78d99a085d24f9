package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mheaton/tollgate/internal/store"
)

// Transaction kinds mirror the credit_transactions audit trail.
const (
	KindTopUp       = "topup"
	KindTrial       = "trial"
	KindUsage       = "usage"
	KindUsageLoss   = "usage_loss"
	KindRefund      = "refund"
	KindAdminCredit = "admin_credit"
	KindAdminDebit  = "admin_debit"
)

var (
	// ErrInsufficientCredit is returned when a reservation or commit cannot
	// be covered by the account balance.
	ErrInsufficientCredit = errors.New("ledger: insufficient credit")
	// ErrUnknownReservation is returned when a reservation is finalized twice
	// or never existed.
	ErrUnknownReservation = errors.New("ledger: unknown reservation")
)

// Reservation is a point-in-time sufficiency assertion. It holds no funds in
// storage; the hold exists only in this process and is released by exactly
// one Commit or Release.
type Reservation struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Ledger mediates every balance mutation. Reservations are tracked in memory
// per account; the storage layer serializes the actual debits and re-checks
// sufficiency, so a commit can still fail when concurrent spending exhausted
// the balance after the reservation was taken.
type Ledger struct {
	store store.Store

	mu           sync.Mutex
	holds        map[uuid.UUID]decimal.Decimal
	reservations map[uuid.UUID]Reservation
}

func New(st store.Store) *Ledger {
	return &Ledger{
		store:        st,
		holds:        make(map[uuid.UUID]decimal.Decimal),
		reservations: make(map[uuid.UUID]Reservation),
	}
}

// Balance returns the committed balance for an account.
func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	return l.store.AccountBalance(ctx, accountID)
}

// Reserve asserts the account can cover the estimate on top of all
// outstanding holds. It does not mutate the stored balance.
func (l *Ledger) Reserve(ctx context.Context, accountID uuid.UUID, estimate decimal.Decimal) (*Reservation, error) {
	if estimate.IsNegative() {
		return nil, fmt.Errorf("ledger: negative estimate %s", estimate)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.store.AccountBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	held := l.holds[accountID]
	if balance.Sub(held).LessThan(estimate) {
		return nil, ErrInsufficientCredit
	}

	res := Reservation{
		ID:        uuid.New(),
		AccountID: accountID,
		Amount:    estimate,
		CreatedAt: time.Now().UTC(),
	}
	l.holds[accountID] = held.Add(estimate)
	l.reservations[res.ID] = res
	return &res, nil
}

// Commit finalizes a reservation with the actual measured cost, which may be
// above or below the estimate. Sufficiency is re-validated under the storage
// serialization; if concurrent spending exhausted the balance the remaining
// funds are debited as a loss entry and ErrInsufficientCredit is returned, so
// consumed upstream tokens are never silently dropped.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, actual decimal.Decimal, description, reference string) (store.Transaction, error) {
	if res == nil {
		return store.Transaction{}, ErrUnknownReservation
	}
	if err := l.releaseHold(res); err != nil {
		return store.Transaction{}, err
	}
	if actual.IsNegative() {
		return store.Transaction{}, fmt.Errorf("ledger: negative cost %s", actual)
	}
	if actual.IsZero() {
		return store.Transaction{}, nil
	}

	record, err := l.store.AppendTransaction(ctx, store.AppendParams{
		AccountID:   res.AccountID,
		Amount:      actual.Neg(),
		Kind:        KindUsage,
		Description: description,
		Reference:   reference,
	})
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrInsufficientBalance) {
		return store.Transaction{}, err
	}

	// Balance ran dry between reservation and commit. Take what is left and
	// log the full cost so the shortfall is auditable.
	loss, lossErr := l.store.AppendTransaction(ctx, store.AppendParams{
		AccountID:      res.AccountID,
		Amount:         actual.Neg(),
		Kind:           KindUsageLoss,
		Description:    fmt.Sprintf("%s (uncollected cost %s)", description, actual),
		Reference:      reference,
		ClampToBalance: true,
	})
	if lossErr != nil {
		return store.Transaction{}, fmt.Errorf("ledger: record loss: %w", lossErr)
	}
	return loss, ErrInsufficientCredit
}

// Release cancels an unused reservation without touching the balance.
func (l *Ledger) Release(res *Reservation) error {
	if res == nil {
		return ErrUnknownReservation
	}
	return l.releaseHold(res)
}

// Grant adds credit (top-ups, trial grants, refunds) independent of any
// reservation.
func (l *Ledger) Grant(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, kind, description, reference string) (store.Transaction, error) {
	if !amount.IsPositive() {
		return store.Transaction{}, fmt.Errorf("ledger: grant amount must be positive, got %s", amount)
	}
	return l.store.AppendTransaction(ctx, store.AppendParams{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		Reference:   reference,
	})
}

func (l *Ledger) releaseHold(res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reservations[res.ID]; !ok {
		return ErrUnknownReservation
	}
	delete(l.reservations, res.ID)

	held := l.holds[res.AccountID].Sub(res.Amount)
	if held.IsPositive() {
		l.holds[res.AccountID] = held
	} else {
		delete(l.holds, res.AccountID)
	}
	return nil
}
