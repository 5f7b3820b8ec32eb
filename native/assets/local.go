package assets

import (
	"context"
	"math/big"

	"github.com/holiman/uint256"

	"assetescrow/core/types"
)

// Local exposes an in-process Ledger to the escrow coordinator, calling on
// behalf of a fixed principal.
type Local struct {
	ledger *Ledger
	caller types.Principal
}

// NewLocal binds ledger calls to the caller principal.
func NewLocal(ledger *Ledger, caller types.Principal) *Local {
	return &Local{ledger: ledger, caller: caller}
}

func (l *Local) PurchaseAsset(ctx context.Context, seller, buyer types.Principal, amount *big.Int) (*uint256.Int, error) {
	return l.ledger.PurchaseAsset(ctx, l.caller, seller, buyer, amount)
}

func (l *Local) TransferAsset(ctx context.Context, quantity *uint256.Int, from, to types.Principal) error {
	return l.ledger.TransferAsset(ctx, l.caller, quantity, from, to)
}
