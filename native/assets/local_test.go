package assets

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestLocalCallsAsBoundPrincipal(t *testing.T) {
	ledger := newTestLedger(t, 10, 1_000)
	local := NewLocal(ledger, escrowAcc)
	ctx := context.Background()

	qty, err := local.PurchaseAsset(ctx, ownerA, escrowAcc, big.NewInt(50))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if qty.Uint64() != 5 {
		t.Fatalf("expected 5 units, got %s", qty.Dec())
	}
	if err := local.TransferAsset(ctx, qty, escrowAcc, ownerB); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := holdings(t, ledger, ownerB); got != 5 {
		t.Fatalf("expected buyer to hold 5, got %d", got)
	}

	stranger := NewLocal(ledger, ownerB)
	if err := stranger.TransferAsset(ctx, uint256.NewInt(1), ownerB, ownerA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
