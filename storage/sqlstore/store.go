package sqlstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"assetescrow/core/types"
	"assetescrow/native/escrow"
)

// Store is a gorm backed escrow.Store.
type Store struct {
	db *gorm.DB
}

var _ escrow.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Get(ctx context.Context, buyer types.Principal) (*escrow.Record, bool, error) {
	var rows []EscrowRow
	if err := s.db.WithContext(ctx).Where("buyer = ?", buyer.String()).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("sqlstore: load escrow: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	record, err := rows[0].record()
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s *Store) Put(ctx context.Context, record *escrow.Record) error {
	sanitized, err := escrow.SanitizeRecord(record)
	if err != nil {
		return err
	}
	row := toRow(sanitized)
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "buyer"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlstore: save escrow: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, buyer types.Principal) error {
	if err := s.db.WithContext(ctx).Where("buyer = ?", buyer.String()).Delete(&EscrowRow{}).Error; err != nil {
		return fmt.Errorf("sqlstore: delete escrow: %w", err)
	}
	return nil
}

func (s *Store) Contains(ctx context.Context, buyer types.Principal) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&EscrowRow{}).Where("buyer = ?", buyer.String()).Count(&count).Error; err != nil {
		return false, fmt.Errorf("sqlstore: count escrow: %w", err)
	}
	return count > 0, nil
}

func (s *Store) All(ctx context.Context) ([]*escrow.Record, error) {
	var rows []EscrowRow
	if err := s.db.WithContext(ctx).Order("buyer asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list escrows: %w", err)
	}
	return toRecords(rows)
}

func (s *Store) Expired(ctx context.Context, cutoff int64) ([]*escrow.Record, error) {
	var rows []EscrowRow
	err := s.db.WithContext(ctx).
		Where("opened_at < ?", cutoff).
		Order("opened_at asc").
		Order("buyer asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list expired escrows: %w", err)
	}
	return toRecords(rows)
}

func toRecords(rows []EscrowRow) ([]*escrow.Record, error) {
	out := make([]*escrow.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}
