package memstore

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"assetescrow/core/types"
	"assetescrow/native/bank"
)

// Accounts is an in-memory bank.Ledger.
type Accounts struct {
	mu       sync.RWMutex
	balances map[types.Principal]*big.Int
}

var _ bank.Ledger = (*Accounts)(nil)

func NewAccounts() *Accounts {
	return &Accounts{balances: make(map[types.Principal]*big.Int)}
}

func (a *Accounts) Balance(_ context.Context, owner types.Principal) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if bal, ok := a.balances[owner]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (a *Accounts) Credit(_ context.Context, owner types.Principal, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return bank.ErrInvalidAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credit(owner, amount)
	return nil
}

func (a *Accounts) Move(_ context.Context, from, to types.Principal, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return bank.ErrInvalidAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bal := a.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", bank.ErrInsufficientBalance, from)
	}
	a.balances[from] = new(big.Int).Sub(bal, amount)
	a.credit(to, amount)
	return nil
}

// Empty reports whether no account has ever been credited.
func (a *Accounts) Empty(_ context.Context) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.balances) == 0, nil
}

func (a *Accounts) credit(owner types.Principal, amount *big.Int) {
	bal := a.balances[owner]
	if bal == nil {
		bal = big.NewInt(0)
	}
	a.balances[owner] = new(big.Int).Add(bal, amount)
}
