package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"assetescrow/core/types"
)

// AssetLedger is the external service that tracks asset holdings. Both calls
// are atomic on the ledger side.
type AssetLedger interface {
	PurchaseAsset(ctx context.Context, seller, buyer types.Principal, amount *big.Int) (*uint256.Int, error)
	TransferAsset(ctx context.Context, quantity *uint256.Int, from, to types.Principal) error
}

// LedgerResolver maps an asset ledger identifier to a client.
type LedgerResolver interface {
	Resolve(id string) (AssetLedger, bool)
}

// LedgerRegistry is a map backed LedgerResolver.
type LedgerRegistry struct {
	mu      sync.RWMutex
	ledgers map[string]AssetLedger
}

func NewLedgerRegistry() *LedgerRegistry {
	return &LedgerRegistry{ledgers: make(map[string]AssetLedger)}
}

// Register binds id to ledger. Identifiers are case-insensitive.
func (r *LedgerRegistry) Register(id string, ledger AssetLedger) error {
	key := normalizeLedgerID(id)
	if key == "" {
		return fmt.Errorf("escrow: ledger id required")
	}
	if ledger == nil {
		return fmt.Errorf("escrow: ledger %s: client required", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ledgers[key]; exists {
		return fmt.Errorf("escrow: ledger %s already registered", key)
	}
	r.ledgers[key] = ledger
	return nil
}

func (r *LedgerRegistry) Resolve(id string) (AssetLedger, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ledger, ok := r.ledgers[normalizeLedgerID(id)]
	return ledger, ok
}

// IDs lists the registered ledger identifiers in sorted order.
func (r *LedgerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ledgers))
	for id := range r.ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeLedgerID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
