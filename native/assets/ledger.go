package assets

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"assetescrow/core/types"
)

// State persists per-principal asset holdings. ApplyHoldings must write every
// update or none of them.
type State interface {
	AssetHoldings(ctx context.Context, owner types.Principal) (*uint256.Int, bool, error)
	ApplyHoldings(ctx context.Context, updates map[types.Principal]*uint256.Int) error
}

// Config describes a single fungible asset offered at a fixed unit price.
type Config struct {
	Price       *uint256.Int
	TotalSupply *uint256.Int
	Owner       types.Principal
	Escrow      types.Principal
}

func (c Config) validate() error {
	if c.Price == nil || c.Price.IsZero() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidConfig)
	}
	if c.TotalSupply == nil {
		return fmt.Errorf("%w: total supply required", ErrInvalidConfig)
	}
	if err := c.Owner.Validate(); err != nil {
		return fmt.Errorf("%w: owner: %v", ErrInvalidConfig, err)
	}
	if err := c.Escrow.Validate(); err != nil {
		return fmt.Errorf("%w: escrow: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Ledger tracks holdings of one asset. Mutating calls are only accepted from
// the configured escrow principal.
type Ledger struct {
	mu          sync.Mutex
	state       State
	price       *uint256.Int
	totalSupply *uint256.Int
	escrow      types.Principal
}

// NewLedger binds the asset to its holdings state. When the owner has no
// recorded holdings the full supply is credited to it.
func NewLedger(ctx context.Context, cfg Config, state State) (*Ledger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if state == nil {
		state = NewMemoryState()
	}
	_, ok, err := state.AssetHoldings(ctx, cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("assets: load owner holdings: %w", err)
	}
	if !ok {
		seed := map[types.Principal]*uint256.Int{cfg.Owner: cfg.TotalSupply.Clone()}
		if err := state.ApplyHoldings(ctx, seed); err != nil {
			return nil, fmt.Errorf("assets: seed supply: %w", err)
		}
	}
	return &Ledger{
		state:       state,
		price:       cfg.Price.Clone(),
		totalSupply: cfg.TotalSupply.Clone(),
		escrow:      cfg.Escrow,
	}, nil
}

// Price returns the value required per asset unit.
func (l *Ledger) Price() *uint256.Int { return l.price.Clone() }

// TotalSupply returns the number of units issued at genesis.
func (l *Ledger) TotalSupply() *uint256.Int { return l.totalSupply.Clone() }

// Holdings returns the units held by owner, zero when unknown.
func (l *Ledger) Holdings(ctx context.Context, owner types.Principal) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	qty, ok, err := l.state.AssetHoldings(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !ok || qty == nil {
		return uint256.NewInt(0), nil
	}
	return qty.Clone(), nil
}

// PurchaseAsset sells amount/price units from seller to buyer and returns
// the quantity moved. The seller must keep at least one unit.
func (l *Ledger) PurchaseAsset(ctx context.Context, caller, seller, buyer types.Principal, amount *big.Int) (*uint256.Int, error) {
	if caller != l.escrow {
		return nil, ErrUnauthorized
	}
	if seller == buyer {
		return nil, ErrSameAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sellerQty, ok, err := l.state.AssetHoldings(ctx, seller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: seller %s owns no assets", ErrInsufficientAssets, seller)
	}
	if l.price.Gt(value) {
		return nil, ErrPriceNotMet
	}
	quantity := new(uint256.Int).Div(value, l.price)
	if !sellerQty.Gt(quantity) {
		return nil, fmt.Errorf("%w: seller %s holds %s, requested %s", ErrInsufficientAssets, seller, sellerQty.Dec(), quantity.Dec())
	}
	if err := l.move(ctx, sellerQty, seller, buyer, quantity); err != nil {
		return nil, err
	}
	return quantity, nil
}

// TransferAsset moves quantity units between two holders.
func (l *Ledger) TransferAsset(ctx context.Context, caller types.Principal, quantity *uint256.Int, from, to types.Principal) error {
	if caller != l.escrow {
		return ErrUnauthorized
	}
	if from == to {
		return ErrSameAccount
	}
	if quantity == nil || quantity.IsZero() {
		return ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromQty, ok, err := l.state.AssetHoldings(ctx, from)
	if err != nil {
		return err
	}
	if !ok || fromQty.Lt(quantity) {
		return fmt.Errorf("%w: %s cannot cover %s units", ErrInsufficientAssets, from, quantity.Dec())
	}
	return l.move(ctx, fromQty, from, to, quantity)
}

func (l *Ledger) move(ctx context.Context, fromQty *uint256.Int, from, to types.Principal, quantity *uint256.Int) error {
	toQty, _, err := l.state.AssetHoldings(ctx, to)
	if err != nil {
		return err
	}
	if toQty == nil {
		toQty = uint256.NewInt(0)
	}
	nextFrom, underflow := new(uint256.Int).SubOverflow(fromQty, quantity)
	if underflow {
		return ErrInsufficientAssets
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toQty, quantity)
	if overflow {
		return ErrOverflow
	}
	return l.state.ApplyHoldings(ctx, map[types.Principal]*uint256.Int{
		from: nextFrom,
		to:   nextTo,
	})
}

// MemoryState keeps holdings in process memory.
type MemoryState struct {
	mu       sync.RWMutex
	holdings map[types.Principal]*uint256.Int
}

func NewMemoryState() *MemoryState {
	return &MemoryState{holdings: make(map[types.Principal]*uint256.Int)}
}

func (m *MemoryState) AssetHoldings(_ context.Context, owner types.Principal) (*uint256.Int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qty, ok := m.holdings[owner]
	if !ok {
		return nil, false, nil
	}
	return qty.Clone(), true, nil
}

func (m *MemoryState) ApplyHoldings(_ context.Context, updates map[types.Principal]*uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, qty := range updates {
		m.holdings[owner] = qty.Clone()
	}
	return nil
}
