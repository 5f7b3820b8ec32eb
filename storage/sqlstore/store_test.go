package sqlstore

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"assetescrow/core/types"
	"assetescrow/native/bank"
	"assetescrow/native/escrow"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func testRecord(buyer string, createdAt int64) *escrow.Record {
	b := types.MustPrincipal(buyer)
	return &escrow.Record{
		ID:                escrow.ComputeID(b, "seller", "gold", createdAt),
		Buyer:             b,
		Seller:            "seller",
		LockedAmount:      new(big.Int).Lsh(big.NewInt(1), 130),
		FeeReserve:        big.NewInt(5),
		AssetLedgerID:     "gold",
		PurchasedQuantity: uint256.NewInt(0),
		State:             escrow.StateEscrowed,
		CreatedAt:         createdAt,
	}
}

func TestStorePersistsRecords(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	record := testRecord("alice", 10)
	require.NoError(t, store.Put(ctx, record))

	got, ok, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.ID, got.ID)
	require.Zero(t, record.LockedAmount.Cmp(got.LockedAmount))
	require.Equal(t, escrow.StateEscrowed, got.State)

	got.State = escrow.StateActive
	got.PurchasedQuantity = uint256.NewInt(42)
	require.NoError(t, store.Put(ctx, got))
	updated, ok, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StateActive, updated.State)
	require.Equal(t, uint64(42), updated.PurchasedQuantity.Uint64())

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Remove(ctx, "alice"))
	exists, err := store.Contains(ctx, "alice")
	require.NoError(t, err)
	require.False(t, exists)
	_, ok, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreExpiredOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))
	require.NoError(t, store.Put(ctx, testRecord("carol", 30)))
	require.NoError(t, store.Put(ctx, testRecord("bob", 20)))
	require.NoError(t, store.Put(ctx, testRecord("alice", 20)))

	expired, err := store.Expired(ctx, 20)
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = store.Expired(ctx, 31)
	require.NoError(t, err)
	require.Len(t, expired, 3)
	require.Equal(t, types.Principal("alice"), expired[0].Buyer)
	require.Equal(t, types.Principal("bob"), expired[1].Buyer)
	require.Equal(t, types.Principal("carol"), expired[2].Buyer)
}

func TestAccountsMoveIsAtomic(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccounts(setupTestDB(t))

	empty, err := accounts.Empty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, accounts.Credit(ctx, "alice", big.NewInt(100)))
	require.ErrorIs(t, accounts.Move(ctx, "alice", "bob", big.NewInt(101)), bank.ErrInsufficientBalance)
	require.NoError(t, accounts.Move(ctx, "alice", "bob", big.NewInt(60)))

	alice, err := accounts.Balance(ctx, "alice")
	require.NoError(t, err)
	bob, err := accounts.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(40), alice.Int64())
	require.Equal(t, int64(60), bob.Int64())

	unknown, err := accounts.Balance(ctx, "carol")
	require.NoError(t, err)
	require.Zero(t, unknown.Sign())
}

func TestAccountsConcurrentCredits(t *testing.T) {
	ctx := context.Background()
	db, err := Open(DriverSQLite, mustFileDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	accounts := NewAccounts(db)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- accounts.Credit(ctx, "alice", big.NewInt(1))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	bal, err := accounts.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(10), bal.Int64())
}

func TestFileDSN(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrDSNRequired)
	dsn := mustFileDSN(t)
	require.True(t, strings.HasPrefix(dsn, "file:/"))
	require.Contains(t, dsn, "_journal_mode=WAL")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
	_, err = Open(DriverSQLite, "")
	require.ErrorIs(t, err, ErrDSNRequired)
}

func mustFileDSN(t *testing.T) string {
	t.Helper()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	return dsn
}
