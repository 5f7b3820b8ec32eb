package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"assetescrow/core/types"
)

var (
	// ErrInvariant marks a transfer whose preconditions should have been
	// guaranteed by the caller. It is never a user error.
	ErrInvariant = errors.New("bank: invariant violation")
	// ErrInsufficientBalance is returned by ledgers when the debited account
	// cannot cover the requested amount.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("bank: amount must be positive")
)

// Ledger tracks native balances. Move must either apply fully or not at all.
type Ledger interface {
	Balance(ctx context.Context, owner types.Principal) (*big.Int, error)
	Move(ctx context.Context, from, to types.Principal, amount *big.Int) error
	Credit(ctx context.Context, owner types.Principal, amount *big.Int) error
}

// Payment is a single outbound transfer from the coordinator account.
type Payment struct {
	To     types.Principal
	Amount *big.Int
}

// Transfer moves native value out of (and deposits into) the account owned by
// a single principal, enforcing the irreversible-transfer preconditions.
type Transfer struct {
	ledger Ledger
	self   types.Principal
}

// NewTransfer binds the ledger to the principal whose balance it debits.
func NewTransfer(ledger Ledger, self types.Principal) (*Transfer, error) {
	if ledger == nil {
		return nil, fmt.Errorf("bank: ledger required")
	}
	if err := self.Validate(); err != nil {
		return nil, fmt.Errorf("bank: self: %w", err)
	}
	return &Transfer{ledger: ledger, self: self}, nil
}

// Self returns the principal whose account this transfer debits.
func (t *Transfer) Self() types.Principal { return t.self }

// Balance returns the current balance of the owning account.
func (t *Transfer) Balance(ctx context.Context) (*big.Int, error) {
	return t.ledger.Balance(ctx, t.self)
}

// Send pays amount to the recipient. Preconditions: amount > 0, to != self
// and amount does not exceed the owning account's balance.
func (t *Transfer) Send(ctx context.Context, to types.Principal, amount *big.Int) error {
	return t.SendAll(ctx, Payment{To: to, Amount: amount})
}

// SendAll validates every payment and the combined total against the owning
// balance before moving any value. Payments with a zero amount are skipped.
func (t *Transfer) SendAll(ctx context.Context, payments ...Payment) error {
	total := new(big.Int)
	pending := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			return fmt.Errorf("%w: payment to %s has invalid amount", ErrInvariant, p.To)
		}
		if p.Amount.Sign() == 0 {
			continue
		}
		if p.To == t.self {
			return fmt.Errorf("%w: cannot transfer to self", ErrInvariant)
		}
		if err := p.To.Validate(); err != nil {
			return fmt.Errorf("%w: recipient: %v", ErrInvariant, err)
		}
		total.Add(total, p.Amount)
		pending = append(pending, Payment{To: p.To, Amount: new(big.Int).Set(p.Amount)})
	}
	if len(pending) == 0 {
		return fmt.Errorf("%w: %v", ErrInvariant, ErrInvalidAmount)
	}
	balance, err := t.ledger.Balance(ctx, t.self)
	if err != nil {
		return fmt.Errorf("bank: load balance: %w", err)
	}
	if balance.Cmp(total) < 0 {
		return fmt.Errorf("%w: transfer of %s exceeds balance %s", ErrInvariant, total, balance)
	}
	for i, p := range pending {
		if err := t.ledger.Move(ctx, t.self, p.To, p.Amount); err != nil {
			failure := fmt.Errorf("%w: move to %s: %v", ErrInvariant, p.To, err)
			return errors.Join(failure, t.revert(ctx, pending[:i]))
		}
	}
	return nil
}

// Collect moves an attached deposit from the payer into the owning account.
// An underfunded payer surfaces ErrInsufficientBalance.
func (t *Transfer) Collect(ctx context.Context, from types.Principal, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == t.self {
		return fmt.Errorf("bank: cannot collect from self")
	}
	return t.ledger.Move(ctx, from, t.self, amount)
}

// revert claws back payments already applied by a failed batch. Every
// payment is attempted; failures are returned so partial payouts stay visible.
func (t *Transfer) revert(ctx context.Context, applied []Payment) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		if err := t.ledger.Move(ctx, applied[i].To, t.self, applied[i].Amount); err != nil {
			errs = append(errs, fmt.Errorf("bank: revert payment to %s of %s: %w", applied[i].To, applied[i].Amount, err))
		}
	}
	return errors.Join(errs...)
}
