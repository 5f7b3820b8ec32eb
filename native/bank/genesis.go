package bank

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"assetescrow/core/types"
)

// Seedable is a Ledger that can report whether any account exists yet.
type Seedable interface {
	Ledger
	Empty(ctx context.Context) (bool, error)
}

// SeedGenesis credits balances when the ledger holds no accounts. It reports
// whether the balances were applied.
func SeedGenesis(ctx context.Context, ledger Seedable, balances map[types.Principal]*big.Int) (bool, error) {
	if len(balances) == 0 {
		return false, nil
	}
	empty, err := ledger.Empty(ctx)
	if err != nil {
		return false, fmt.Errorf("bank: check genesis state: %w", err)
	}
	if !empty {
		return false, nil
	}
	owners := make([]types.Principal, 0, len(balances))
	for owner := range balances {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	for _, owner := range owners {
		amount := balances[owner]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if err := ledger.Credit(ctx, owner, amount); err != nil {
			return false, fmt.Errorf("bank: genesis credit %s: %w", owner, err)
		}
	}
	return true, nil
}
