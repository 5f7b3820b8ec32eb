package levelstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"assetescrow/core/types"
	"assetescrow/native/escrow"
)

var (
	recordPrefix = []byte("escrow/record/")
	expiryPrefix = []byte("escrow/expiry/")
)

// storedRecord is the RLP layout of an escrow record.
type storedRecord struct {
	ID                [32]byte
	Buyer             string
	Seller            string
	LockedAmount      *big.Int
	FeeReserve        *big.Int
	AssetLedgerID     string
	PurchasedQuantity *big.Int
	State             uint8
	CreatedAt         uint64
}

// Store is an escrow.Store keeping records under their buyer and a secondary
// expiry index ordered by creation time.
type Store struct {
	db *DB
}

var _ escrow.Store = (*Store)(nil)

func NewStore(db *DB) *Store { return &Store{db: db} }

func recordKey(buyer types.Principal) []byte {
	return append(append([]byte{}, recordPrefix...), buyer...)
}

// expiryKey sorts by creation time; the sign bit is flipped so negative
// timestamps order before positive ones.
func expiryKey(createdAt int64, buyer types.Principal) []byte {
	key := expiryBound(createdAt)
	return append(key, buyer...)
}

func expiryBound(createdAt int64) []byte {
	key := make([]byte, len(expiryPrefix)+8)
	copy(key, expiryPrefix)
	binary.BigEndian.PutUint64(key[len(expiryPrefix):], uint64(createdAt)^(1<<63))
	return key
}

func (s *Store) Get(_ context.Context, buyer types.Principal) (*escrow.Record, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.load(buyer)
}

func (s *Store) load(buyer types.Principal) (*escrow.Record, bool, error) {
	raw, ok, err := s.db.get(recordKey(buyer))
	if err != nil || !ok {
		return nil, false, err
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, false, fmt.Errorf("levelstore: decode escrow %s: %w", buyer, err)
	}
	return record, true, nil
}

func (s *Store) Put(_ context.Context, record *escrow.Record) error {
	sanitized, err := escrow.SanitizeRecord(record)
	if err != nil {
		return err
	}
	encoded, err := encodeRecord(sanitized)
	if err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	batch := new(leveldb.Batch)
	existing, ok, err := s.load(sanitized.Buyer)
	if err != nil {
		return err
	}
	if ok {
		batch.Delete(expiryKey(existing.CreatedAt, existing.Buyer))
	}
	batch.Put(recordKey(sanitized.Buyer), encoded)
	batch.Put(expiryKey(sanitized.CreatedAt, sanitized.Buyer), []byte(sanitized.Buyer))
	return s.db.db.Write(batch, nil)
}

func (s *Store) Remove(_ context.Context, buyer types.Principal) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok, err := s.load(buyer)
	if err != nil || !ok {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(recordKey(buyer))
	batch.Delete(expiryKey(existing.CreatedAt, buyer))
	return s.db.db.Write(batch, nil)
}

func (s *Store) Contains(_ context.Context, buyer types.Principal) (bool, error) {
	return s.db.db.Has(recordKey(buyer), nil)
}

// All returns every record ordered by buyer.
func (s *Store) All(_ context.Context) ([]*escrow.Record, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	iter := s.db.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer iter.Release()
	var out []*escrow.Record
	for iter.Next() {
		record, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("levelstore: decode escrow: %w", err)
		}
		out = append(out, record)
	}
	return out, iter.Error()
}

func (s *Store) Expired(_ context.Context, cutoff int64) ([]*escrow.Record, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	iter := s.db.db.NewIterator(&util.Range{Start: expiryPrefix, Limit: expiryBound(cutoff)}, nil)
	defer iter.Release()
	var out []*escrow.Record
	for iter.Next() {
		buyer := types.Principal(iter.Value())
		record, ok, err := s.load(buyer)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	return out, iter.Error()
}

func encodeRecord(r *escrow.Record) ([]byte, error) {
	entry := storedRecord{
		ID:                r.ID,
		Buyer:             r.Buyer.String(),
		Seller:            r.Seller.String(),
		LockedAmount:      r.LockedAmount,
		FeeReserve:        r.FeeReserve,
		AssetLedgerID:     r.AssetLedgerID,
		PurchasedQuantity: r.PurchasedQuantity.ToBig(),
		State:             uint8(r.State),
		CreatedAt:         uint64(r.CreatedAt),
	}
	encoded, err := rlp.EncodeToBytes(&entry)
	if err != nil {
		return nil, fmt.Errorf("levelstore: encode escrow: %w", err)
	}
	return encoded, nil
}

func decodeRecord(raw []byte) (*escrow.Record, error) {
	var entry storedRecord
	if err := rlp.DecodeBytes(raw, &entry); err != nil {
		return nil, err
	}
	quantity, overflow := uint256.FromBig(entry.PurchasedQuantity)
	if overflow {
		return nil, fmt.Errorf("purchased quantity overflows 256 bits")
	}
	return &escrow.Record{
		ID:                entry.ID,
		Buyer:             types.Principal(entry.Buyer),
		Seller:            types.Principal(entry.Seller),
		LockedAmount:      entry.LockedAmount,
		FeeReserve:        entry.FeeReserve,
		AssetLedgerID:     entry.AssetLedgerID,
		PurchasedQuantity: quantity,
		State:             escrow.State(entry.State),
		CreatedAt:         int64(entry.CreatedAt),
	}, nil
}
