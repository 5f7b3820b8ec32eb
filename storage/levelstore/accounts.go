package levelstore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"assetescrow/core/types"
	"assetescrow/native/assets"
	"assetescrow/native/bank"
)

var (
	accountPrefix = []byte("bank/balance/")
	holdingPrefix = []byte("assets/holding/")
)

func prefixed(prefix []byte, owner types.Principal) []byte {
	return append(append([]byte{}, prefix...), owner...)
}

// Accounts is a LevelDB backed bank.Ledger.
type Accounts struct {
	db *DB
}

var _ bank.Ledger = (*Accounts)(nil)

func NewAccounts(db *DB) *Accounts { return &Accounts{db: db} }

func (a *Accounts) Balance(_ context.Context, owner types.Principal) (*big.Int, error) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	return a.balance(owner)
}

func (a *Accounts) balance(owner types.Principal) (*big.Int, error) {
	raw, ok, err := a.db.get(prefixed(accountPrefix, owner))
	if err != nil {
		return nil, fmt.Errorf("levelstore: load balance: %w", err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(raw), nil
}

func (a *Accounts) Credit(_ context.Context, owner types.Principal, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return bank.ErrInvalidAmount
	}
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	bal, err := a.balance(owner)
	if err != nil {
		return err
	}
	return a.db.db.Put(prefixed(accountPrefix, owner), bal.Add(bal, amount).Bytes(), nil)
}

func (a *Accounts) Move(_ context.Context, from, to types.Principal, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return bank.ErrInvalidAmount
	}
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	fromBal, err := a.balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", bank.ErrInsufficientBalance, from)
	}
	toBal, err := a.balance(to)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(prefixed(accountPrefix, from), fromBal.Sub(fromBal, amount).Bytes())
	batch.Put(prefixed(accountPrefix, to), toBal.Add(toBal, amount).Bytes())
	return a.db.db.Write(batch, nil)
}

// Empty reports whether no balance has been written yet.
func (a *Accounts) Empty(_ context.Context) (bool, error) {
	iter := a.db.db.NewIterator(util.BytesPrefix(accountPrefix), nil)
	defer iter.Release()
	return !iter.Next(), iter.Error()
}

// Holdings is a LevelDB backed assets.State.
type Holdings struct {
	db *DB
}

var _ assets.State = (*Holdings)(nil)

func NewHoldings(db *DB) *Holdings { return &Holdings{db: db} }

func (h *Holdings) AssetHoldings(_ context.Context, owner types.Principal) (*uint256.Int, bool, error) {
	raw, ok, err := h.db.get(prefixed(holdingPrefix, owner))
	if err != nil || !ok {
		return nil, false, err
	}
	return new(uint256.Int).SetBytes(raw), true, nil
}

func (h *Holdings) ApplyHoldings(_ context.Context, updates map[types.Principal]*uint256.Int) error {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	batch := new(leveldb.Batch)
	for owner, qty := range updates {
		batch.Put(prefixed(holdingPrefix, owner), qty.Bytes())
	}
	return h.db.db.Write(batch, nil)
}
