// Package memstore keeps escrow records and native balances in process
// memory. It is the default backend for development and tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/btree"

	"assetescrow/core/types"
	"assetescrow/native/escrow"
)

const btreeDegree = 32

// expiryItem orders records by creation time, then buyer, and implements
// btree.Item.
type expiryItem struct {
	createdAt int64
	buyer     types.Principal
}

var _ btree.Item = expiryItem{}

func (k expiryItem) Less(item btree.Item) bool {
	other := item.(expiryItem)
	if k.createdAt != other.createdAt {
		return k.createdAt < other.createdAt
	}
	return k.buyer < other.buyer
}

// Store is an escrow.Store backed by a map keyed by buyer and a btree index
// ordered by creation time.
type Store struct {
	mu      sync.RWMutex
	records map[types.Principal]*escrow.Record
	expiry  *btree.BTree
}

var _ escrow.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: make(map[types.Principal]*escrow.Record),
		expiry:  btree.New(btreeDegree),
	}
}

func (s *Store) Get(_ context.Context, buyer types.Principal) (*escrow.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[buyer]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

func (s *Store) Put(_ context.Context, record *escrow.Record) error {
	sanitized, err := escrow.SanitizeRecord(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[sanitized.Buyer]; ok {
		s.expiry.Delete(expiryItem{createdAt: existing.CreatedAt, buyer: existing.Buyer})
	}
	s.records[sanitized.Buyer] = sanitized
	s.expiry.ReplaceOrInsert(expiryItem{createdAt: sanitized.CreatedAt, buyer: sanitized.Buyer})
	return nil
}

func (s *Store) Remove(_ context.Context, buyer types.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[buyer]
	if !ok {
		return nil
	}
	s.expiry.Delete(expiryItem{createdAt: existing.CreatedAt, buyer: existing.Buyer})
	delete(s.records, buyer)
	return nil
}

func (s *Store) Contains(_ context.Context, buyer types.Principal) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[buyer]
	return ok, nil
}

// All returns every record ordered by buyer.
func (s *Store) All(_ context.Context) ([]*escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*escrow.Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Buyer < out[j].Buyer })
	return out, nil
}

func (s *Store) Expired(_ context.Context, cutoff int64) ([]*escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*escrow.Record
	s.expiry.AscendLessThan(expiryItem{createdAt: cutoff}, func(item btree.Item) bool {
		key := item.(expiryItem)
		if record, ok := s.records[key.buyer]; ok {
			out = append(out, record.Clone())
		}
		return true
	})
	return out, nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
