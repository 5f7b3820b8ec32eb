package sqlstore

import (
	"context"
	"fmt"
	"math/big"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"assetescrow/core/types"
	"assetescrow/native/bank"
)

// Accounts is a gorm backed bank.Ledger. Moves run in a single transaction
// with the debited row locked where the driver supports it.
type Accounts struct {
	db *gorm.DB
}

var _ bank.Ledger = (*Accounts)(nil)

func NewAccounts(db *gorm.DB) *Accounts { return &Accounts{db: db} }

func (a *Accounts) Balance(ctx context.Context, owner types.Principal) (*big.Int, error) {
	return loadBalance(a.db.WithContext(ctx), owner, false)
}

func (a *Accounts) Credit(ctx context.Context, owner types.Principal, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return bank.ErrInvalidAmount
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := loadBalance(tx, owner, true)
		if err != nil {
			return err
		}
		return saveBalance(tx, owner, bal.Add(bal, amount))
	})
}

func (a *Accounts) Move(ctx context.Context, from, to types.Principal, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return bank.ErrInvalidAmount
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fromBal, err := loadBalance(tx, from, true)
		if err != nil {
			return err
		}
		if fromBal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s", bank.ErrInsufficientBalance, from)
		}
		toBal, err := loadBalance(tx, to, true)
		if err != nil {
			return err
		}
		if err := saveBalance(tx, from, fromBal.Sub(fromBal, amount)); err != nil {
			return err
		}
		return saveBalance(tx, to, toBal.Add(toBal, amount))
	})
}

// Empty reports whether no account row exists yet.
func (a *Accounts) Empty(ctx context.Context) (bool, error) {
	var count int64
	if err := a.db.WithContext(ctx).Model(&AccountRow{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("sqlstore: count accounts: %w", err)
	}
	return count == 0, nil
}

func loadBalance(tx *gorm.DB, owner types.Principal, lock bool) (*big.Int, error) {
	query := tx
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []AccountRow
	if err := query.Where("principal = ?", owner.String()).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: load account: %w", err)
	}
	if len(rows) == 0 {
		return big.NewInt(0), nil
	}
	return parseBalance(rows[0])
}

func saveBalance(tx *gorm.DB, owner types.Principal, balance *big.Int) error {
	row := AccountRow{Principal: owner.String(), Balance: balance.String()}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "principal"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlstore: save account: %w", err)
	}
	return nil
}
