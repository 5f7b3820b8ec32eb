package sqlstore

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"assetescrow/core/types"
	"assetescrow/native/escrow"
)

// EscrowRow is the persisted form of an escrow record. Amounts are stored as
// decimal strings so both drivers keep full precision.
type EscrowRow struct {
	Buyer             string `gorm:"primaryKey;size:64"`
	RecordID          string `gorm:"uniqueIndex;size:66"`
	Seller            string `gorm:"size:64;not null"`
	LockedAmount      string `gorm:"not null"`
	FeeReserve        string `gorm:"not null"`
	AssetLedgerID     string `gorm:"size:128;not null"`
	PurchasedQuantity string `gorm:"not null"`
	State             string `gorm:"size:16;not null"`
	OpenedAt          int64  `gorm:"index;not null"`
	UpdatedAt         time.Time
}

func (EscrowRow) TableName() string { return "escrows" }

// AccountRow stores a native balance.
type AccountRow struct {
	Principal string `gorm:"primaryKey;size:64"`
	Balance   string `gorm:"not null"`
	UpdatedAt time.Time
}

func (AccountRow) TableName() string { return "accounts" }

func toRow(r *escrow.Record) EscrowRow {
	return EscrowRow{
		Buyer:             r.Buyer.String(),
		RecordID:          r.IDHex(),
		Seller:            r.Seller.String(),
		LockedAmount:      r.LockedAmount.String(),
		FeeReserve:        r.FeeReserve.String(),
		AssetLedgerID:     r.AssetLedgerID,
		PurchasedQuantity: r.PurchasedQuantity.Dec(),
		State:             r.State.String(),
		OpenedAt:          r.CreatedAt,
	}
}

func (row EscrowRow) record() (*escrow.Record, error) {
	var id [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(row.RecordID, "0x"))
	if err != nil || len(raw) != len(id) {
		return nil, fmt.Errorf("sqlstore: escrow %s: malformed id %q", row.Buyer, row.RecordID)
	}
	copy(id[:], raw)
	locked, ok := new(big.Int).SetString(row.LockedAmount, 10)
	if !ok {
		return nil, fmt.Errorf("sqlstore: escrow %s: malformed locked amount", row.Buyer)
	}
	fee, ok := new(big.Int).SetString(row.FeeReserve, 10)
	if !ok {
		return nil, fmt.Errorf("sqlstore: escrow %s: malformed fee reserve", row.Buyer)
	}
	quantity, err := uint256.FromDecimal(row.PurchasedQuantity)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: escrow %s: purchased quantity: %w", row.Buyer, err)
	}
	state, err := escrow.ParseState(row.State)
	if err != nil {
		return nil, err
	}
	return &escrow.Record{
		ID:                id,
		Buyer:             types.Principal(row.Buyer),
		Seller:            types.Principal(row.Seller),
		LockedAmount:      locked,
		FeeReserve:        fee,
		AssetLedgerID:     row.AssetLedgerID,
		PurchasedQuantity: quantity,
		State:             state,
		CreatedAt:         row.OpenedAt,
	}, nil
}

func parseBalance(row AccountRow) (*big.Int, error) {
	bal, ok := new(big.Int).SetString(row.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("sqlstore: account %s: malformed balance", row.Principal)
	}
	return bal, nil
}
