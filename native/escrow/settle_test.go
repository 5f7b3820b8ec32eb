package escrow_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"assetescrow/core/types"
	"assetescrow/native/assets"
	"assetescrow/native/bank"
	"assetescrow/native/escrow"
	"assetescrow/storage/sqlstore"
)

// hookedAccounts runs onBalance before every balance lookup and fails the
// next failBalance lookups.
type hookedAccounts struct {
	bank.Ledger
	mu          sync.Mutex
	onBalance   func()
	failBalance int
}

func (a *hookedAccounts) Balance(ctx context.Context, owner types.Principal) (*big.Int, error) {
	a.mu.Lock()
	hook := a.onBalance
	fail := a.failBalance > 0
	if fail {
		a.failBalance--
	}
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return nil, errors.New("balance lookup unavailable")
	}
	return a.Ledger.Balance(ctx, owner)
}

// hookedStore runs onPut before every write and fails the next failPut
// writes.
type hookedStore struct {
	escrow.Store
	mu      sync.Mutex
	onPut   func()
	failPut int
}

func (s *hookedStore) Put(ctx context.Context, record *escrow.Record) error {
	s.mu.Lock()
	hook := s.onPut
	fail := s.failPut > 0
	if fail {
		s.failPut--
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, record)
}

type sqlHarness struct {
	coord      *escrow.Coordinator
	store      *hookedStore
	accounts   *hookedAccounts
	dispatcher *manualDispatcher
	ledger     *stubLedger
	emitter    *recordingEmitter
	now        int64
}

func newSQLHarness(t *testing.T) *sqlHarness {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(sqlstore.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlstore.Close(db) })

	h := &sqlHarness{
		store:      &hookedStore{Store: sqlstore.NewStore(db)},
		accounts:   &hookedAccounts{Ledger: sqlstore.NewAccounts(db)},
		dispatcher: &manualDispatcher{},
		ledger:     &stubLedger{quantity: 10},
		emitter:    &recordingEmitter{},
		now:        startTime,
	}
	require.NoError(t, h.accounts.Credit(ctx, buyer, big.NewInt(1000)))
	transfer, err := bank.NewTransfer(h.accounts, coordinator)
	require.NoError(t, err)
	registry := escrow.NewLedgerRegistry()
	require.NoError(t, registry.Register(ledgerID, h.ledger))
	coord, err := escrow.NewCoordinator(escrow.Config{
		Principal:  coordinator,
		FeeReserve: big.NewInt(5),
		Timeout:    dayTimeout,
	}, h.store, transfer, registry)
	require.NoError(t, err)
	coord.SetDispatcher(h.dispatcher)
	coord.SetEmitter(h.emitter)
	coord.SetNowFunc(func() int64 { return h.now })
	h.coord = coord
	return h
}

func (h *sqlHarness) balance(t *testing.T, owner types.Principal) int64 {
	t.Helper()
	bal, err := h.accounts.Ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	return bal.Int64()
}

func (h *sqlHarness) initiate(ctx context.Context, attached int64) (*escrow.Record, error) {
	return h.coord.Initiate(ctx, escrow.InitiateRequest{
		Buyer:         buyer,
		Seller:        seller,
		AssetLedgerID: ledgerID,
		Attached:      big.NewInt(attached),
	})
}

func (h *sqlHarness) stored(t *testing.T) (*escrow.Record, bool) {
	t.Helper()
	record, ok, err := h.store.Get(context.Background(), buyer)
	require.NoError(t, err)
	return record, ok
}

func TestApproveCompletesAfterRequestContextCancelled(t *testing.T) {
	h := newSQLHarness(t)
	_, err := h.initiate(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, h.dispatcher.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.accounts.onBalance = cancel

	record, err := h.coord.Approve(ctx, buyer)
	require.NoError(t, err)
	require.Equal(t, seller, record.Seller)
	_, ok := h.stored(t)
	require.False(t, ok)
	require.EqualValues(t, 95, h.balance(t, seller))
	require.EqualValues(t, 5, h.balance(t, coordinator))
	require.EqualValues(t, 900, h.balance(t, buyer))
}

func TestFailedPayoutRestoresRecordDespiteCancelledContext(t *testing.T) {
	h := newSQLHarness(t)
	_, err := h.initiate(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, h.dispatcher.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.accounts.onBalance = cancel
	h.accounts.failBalance = 1

	_, err = h.coord.Approve(ctx, buyer)
	require.Error(t, err)
	record, ok := h.stored(t)
	require.True(t, ok)
	require.Equal(t, escrow.StateActive, record.State)
	require.EqualValues(t, 100, h.balance(t, coordinator))

	h.accounts.onBalance = nil
	_, err = h.coord.Approve(context.Background(), buyer)
	require.NoError(t, err)
	require.EqualValues(t, 95, h.balance(t, seller))
}

func TestInitiateRefundsDepositWhenRecordWriteFails(t *testing.T) {
	h := newSQLHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store.onPut = cancel
	h.store.failPut = 1

	_, err := h.initiate(ctx, 100)
	require.Error(t, err)
	require.EqualValues(t, 1000, h.balance(t, buyer))
	require.EqualValues(t, 0, h.balance(t, coordinator))
	require.Zero(t, h.dispatcher.Pending())
	require.Zero(t, h.coord.InFlight())
}

func TestFailedRefundIsKeptAsRefundObligation(t *testing.T) {
	h := newSQLHarness(t)
	h.ledger.purchaseErr = assets.ErrInsufficientAssets
	_, err := h.initiate(context.Background(), 100)
	require.NoError(t, err)
	h.accounts.failBalance = 1
	require.Equal(t, 1, h.dispatcher.Flush())

	record, ok := h.stored(t)
	require.True(t, ok)
	require.Equal(t, escrow.StateRefunding, record.State)
	require.Zero(t, h.coord.InFlight())
	require.EqualValues(t, 900, h.balance(t, buyer))

	_, err = h.coord.Approve(context.Background(), buyer)
	require.ErrorIs(t, err, escrow.ErrRefundPending)
	require.ErrorIs(t, err, escrow.ErrValidation)

	h.now = startTime + 86400 + 1
	result, err := h.coord.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.Principal{buyer}, result.Settled)
	require.EqualValues(t, 1000, h.balance(t, buyer))
	require.EqualValues(t, 0, h.balance(t, seller))
	require.EqualValues(t, 0, h.balance(t, coordinator))
	_, ok = h.stored(t)
	require.False(t, ok)
	got := h.emitter.types()
	require.Equal(t, escrow.EventTypePurchaseFailed, got[len(got)-1])
}

func TestCancelRetriesPendingRefund(t *testing.T) {
	h := newSQLHarness(t)
	h.ledger.purchaseErr = assets.ErrPriceNotMet
	_, err := h.initiate(context.Background(), 100)
	require.NoError(t, err)
	h.accounts.failBalance = 1
	require.Equal(t, 1, h.dispatcher.Flush())

	record, err := h.coord.Cancel(context.Background(), buyer)
	require.NoError(t, err)
	require.Equal(t, escrow.StateRefunding, record.State)
	require.EqualValues(t, 1000, h.balance(t, buyer))
	require.Zero(t, h.dispatcher.Pending())
	require.Empty(t, h.ledger.transfers)
	_, ok := h.stored(t)
	require.False(t, ok)
}

func TestLocallyCancelledPurchaseLeavesRecordEscrowed(t *testing.T) {
	h := defaultHarness(t)
	h.ledger.purchaseErr = fmt.Errorf("post assets_purchase: %w", context.Canceled)
	dispatcher := escrow.NewGoDispatcher(1, time.Second)
	dispatcher.Close()
	h.coord.SetDispatcher(dispatcher)
	var logs bytes.Buffer
	h.coord.SetLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	h.initiate(t, 100)
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Wait(waitCtx))

	record, ok, err := h.store.Get(context.Background(), buyer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StateEscrowed, record.State)
	require.EqualValues(t, 900, h.balance(t, buyer))
	require.EqualValues(t, 100, h.balance(t, coordinator))
	require.Zero(t, h.coord.InFlight())
	require.Equal(t, []string{escrow.EventTypeInitiated}, h.emitter.types())
	require.Contains(t, logs.String(), "record left escrowed")
}

func TestSetLoggerNilRestoresDefault(t *testing.T) {
	h := defaultHarness(t)
	h.coord.SetLogger(nil)
	h.activate(t, 100)
	_, err := h.coord.Approve(context.Background(), buyer)
	require.NoError(t, err)
}
