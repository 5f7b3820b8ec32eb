package assets

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	"assetescrow/core/types"
)

const (
	ownerA    = types.Principal("owner_a")
	ownerB    = types.Principal("owner_b")
	escrowAcc = types.Principal("escrow")
)

func newTestLedger(t *testing.T, price, supply uint64) *Ledger {
	t.Helper()
	ledger, err := NewLedger(context.Background(), Config{
		Price:       uint256.NewInt(price),
		TotalSupply: uint256.NewInt(supply),
		Owner:       ownerA,
		Escrow:      escrowAcc,
	}, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func holdings(t *testing.T, ledger *Ledger, owner types.Principal) uint64 {
	t.Helper()
	qty, err := ledger.Holdings(context.Background(), owner)
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	return qty.Uint64()
}

func TestNewLedgerSeedsOwner(t *testing.T) {
	ledger := newTestLedger(t, 10, 100_000)
	if ledger.TotalSupply().Uint64() != 100_000 {
		t.Fatalf("unexpected total supply %s", ledger.TotalSupply().Dec())
	}
	if got := holdings(t, ledger, ownerA); got != 100_000 {
		t.Fatalf("expected owner to hold supply, got %d", got)
	}
	if got := holdings(t, ledger, ownerB); got != 0 {
		t.Fatalf("expected unknown holder to report zero, got %d", got)
	}
}

func TestNewLedgerKeepsExistingHoldings(t *testing.T) {
	state := NewMemoryState()
	if err := state.ApplyHoldings(context.Background(), map[types.Principal]*uint256.Int{ownerA: uint256.NewInt(7)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ledger, err := NewLedger(context.Background(), Config{
		Price: uint256.NewInt(1), TotalSupply: uint256.NewInt(100), Owner: ownerA, Escrow: escrowAcc,
	}, state)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if got := holdings(t, ledger, ownerA); got != 7 {
		t.Fatalf("expected persisted holdings to survive, got %d", got)
	}
}

func TestNewLedgerRejectsZeroPrice(t *testing.T) {
	_, err := NewLedger(context.Background(), Config{
		Price: uint256.NewInt(0), TotalSupply: uint256.NewInt(1), Owner: ownerA, Escrow: escrowAcc,
	}, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestPurchaseAsset(t *testing.T) {
	ledger := newTestLedger(t, 10, 100)
	qty, err := ledger.PurchaseAsset(context.Background(), escrowAcc, ownerA, ownerB, big.NewInt(100))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if qty.Uint64() != 10 {
		t.Fatalf("expected 10 units, got %s", qty.Dec())
	}
	if holdings(t, ledger, ownerA) != 90 || holdings(t, ledger, ownerB) != 10 {
		t.Fatalf("unexpected holdings a=%d b=%d", holdings(t, ledger, ownerA), holdings(t, ledger, ownerB))
	}

	qty, err = ledger.PurchaseAsset(context.Background(), escrowAcc, ownerA, ownerB, big.NewInt(19))
	if err != nil {
		t.Fatalf("purchase with remainder: %v", err)
	}
	if qty.Uint64() != 1 {
		t.Fatalf("expected quantity to round down to 1, got %s", qty.Dec())
	}
}

func TestPurchaseAssetFailures(t *testing.T) {
	cases := []struct {
		name   string
		caller types.Principal
		seller types.Principal
		amount *big.Int
		want   error
	}{
		{name: "unauthorized", caller: ownerB, seller: ownerA, amount: big.NewInt(100), want: ErrUnauthorized},
		{name: "price not met", caller: escrowAcc, seller: ownerA, amount: big.NewInt(9), want: ErrPriceNotMet},
		{name: "unknown seller", caller: escrowAcc, seller: types.Principal("carol"), amount: big.NewInt(100), want: ErrInsufficientAssets},
		{name: "seller would be emptied", caller: escrowAcc, seller: ownerA, amount: big.NewInt(1000), want: ErrInsufficientAssets},
		{name: "zero amount", caller: escrowAcc, seller: ownerA, amount: big.NewInt(0), want: ErrInvalidAmount},
		{name: "same account", caller: escrowAcc, seller: ownerB, amount: big.NewInt(100), want: ErrSameAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := newTestLedger(t, 10, 100)
			_, err := ledger.PurchaseAsset(context.Background(), tc.caller, tc.seller, ownerB, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if holdings(t, ledger, ownerA) != 100 {
				t.Fatalf("expected seller holdings to be untouched")
			}
		})
	}
}

func TestTransferAsset(t *testing.T) {
	ledger := newTestLedger(t, 10, 100)
	if err := ledger.TransferAsset(context.Background(), escrowAcc, uint256.NewInt(50), ownerA, ownerB); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if holdings(t, ledger, ownerA) != 50 || holdings(t, ledger, ownerB) != 50 {
		t.Fatalf("unexpected holdings after transfer")
	}
	if err := ledger.TransferAsset(context.Background(), escrowAcc, uint256.NewInt(50), ownerA, ownerB); err != nil {
		t.Fatalf("transfer full balance: %v", err)
	}
	if err := ledger.TransferAsset(context.Background(), escrowAcc, uint256.NewInt(1), ownerA, ownerB); !errors.Is(err, ErrInsufficientAssets) {
		t.Fatalf("expected insufficient assets, got %v", err)
	}
	if err := ledger.TransferAsset(context.Background(), ownerB, uint256.NewInt(1), ownerB, ownerA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := ledger.TransferAsset(context.Background(), escrowAcc, uint256.NewInt(0), ownerB, ownerA); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
}

func TestLocalBindsCaller(t *testing.T) {
	ledger := newTestLedger(t, 10, 100)
	local := NewLocal(ledger, escrowAcc)
	qty, err := local.PurchaseAsset(context.Background(), ownerA, ownerB, big.NewInt(30))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := local.TransferAsset(context.Background(), qty, ownerB, ownerA); err != nil {
		t.Fatalf("transfer back: %v", err)
	}
	if holdings(t, ledger, ownerA) != 100 {
		t.Fatalf("expected round trip to restore holdings")
	}
	if _, err := NewLocal(ledger, ownerB).PurchaseAsset(context.Background(), ownerA, ownerB, big.NewInt(30)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
