// Package levelstore persists escrow records, native balances and asset
// holdings in an embedded LevelDB database.
package levelstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// ErrPathRequired is returned when no database directory is configured.
var ErrPathRequired = errors.New("levelstore: path must be configured")

// DB wraps a LevelDB handle shared by the stores in this package. Writers
// hold mu for their read-modify-write cycle and commit through a batch.
type DB struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open creates or opens a LevelDB database at path.
func Open(path string) (*DB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := leveldb.OpenFile(trimmed, nil)
	if err != nil {
		return nil, fmt.Errorf("levelstore: open %s: %w", trimmed, err)
	}
	return &DB{db: db}, nil
}

// OpenMemory returns a database that lives only in process memory.
func OpenMemory() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("levelstore: open memory: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) get(key []byte) ([]byte, bool, error) {
	value, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
