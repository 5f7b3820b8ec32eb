package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"assetescrow/core/events"
	"assetescrow/core/types"
	"assetescrow/native/bank"
	"assetescrow/observability"
)

// DefaultTimeout is the age after which the sweep force-settles an escrow.
const DefaultTimeout = 24 * time.Hour

var errNilStore = errors.New("escrow coordinator: store not configured")

// Config holds the coordinator's static parameters.
type Config struct {
	// Principal is the coordinator's own account. It holds locked value.
	Principal types.Principal
	// FeeReserve is withheld from the purchase amount and from the seller's
	// proceeds. Attached values must exceed it.
	FeeReserve *big.Int
	// FeeTreasury receives the withheld fee on release when set. Otherwise
	// the fee stays with the coordinator.
	FeeTreasury types.Principal
	// Timeout is the escrow age after which Sweep settles it.
	Timeout time.Duration
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Coordinator runs the escrow saga between buyers, sellers and external asset
// ledgers. Every operation and every continuation executes under a single
// lock, so each one observes the effects of all those that completed before
// it.
type Coordinator struct {
	mu         sync.Mutex
	cfg        Config
	store      Store
	bank       *bank.Transfer
	ledgers    LedgerResolver
	dispatcher Dispatcher
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    *observability.EscrowMetrics
	tracer     trace.Tracer
	nowFn      func() int64
	// pending maps a buyer to the record id of its outstanding purchase call.
	pending map[types.Principal][32]byte
}

// NewCoordinator wires the coordinator to its collaborators. The value
// transfer must debit the configured principal's account.
func NewCoordinator(cfg Config, store Store, transfer *bank.Transfer, ledgers LedgerResolver) (*Coordinator, error) {
	if store == nil {
		return nil, errNilStore
	}
	if transfer == nil {
		return nil, fmt.Errorf("escrow coordinator: value transfer not configured")
	}
	if ledgers == nil {
		return nil, fmt.Errorf("escrow coordinator: ledger resolver not configured")
	}
	if err := cfg.Principal.Validate(); err != nil {
		return nil, fmt.Errorf("escrow coordinator: principal: %w", err)
	}
	if transfer.Self() != cfg.Principal {
		return nil, fmt.Errorf("escrow coordinator: transfer bound to %s, want %s", transfer.Self(), cfg.Principal)
	}
	if cfg.FeeReserve == nil {
		cfg.FeeReserve = big.NewInt(0)
	}
	if cfg.FeeReserve.Sign() < 0 {
		return nil, fmt.Errorf("escrow coordinator: fee reserve must be non-negative")
	}
	cfg.FeeReserve = new(big.Int).Set(cfg.FeeReserve)
	if !cfg.FeeTreasury.IsZero() {
		if err := cfg.FeeTreasury.Validate(); err != nil {
			return nil, fmt.Errorf("escrow coordinator: fee treasury: %w", err)
		}
		if cfg.FeeTreasury == cfg.Principal {
			cfg.FeeTreasury = ""
		}
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("escrow coordinator: timeout must be non-negative")
	}
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		bank:       transfer,
		ledgers:    ledgers,
		dispatcher: NewGoDispatcher(0, 0),
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		metrics:    observability.Escrow(),
		tracer:     otel.Tracer("escrow"),
		nowFn:      func() int64 { return time.Now().Unix() },
		pending:    make(map[types.Principal][32]byte),
	}, nil
}

// SetDispatcher overrides how asset ledger calls are scheduled. Passing nil
// restores the default goroutine dispatcher.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = NewGoDispatcher(0, 0)
	}
	c.dispatcher = d
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetLogger overrides the coordinator logger. Passing nil restores
// slog.Default().
func (c *Coordinator) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger
}

// SetNowFunc overrides the logical clock, in unix seconds. Primarily intended
// for tests.
func (c *Coordinator) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

// Principal returns the coordinator's own account.
func (c *Coordinator) Principal() types.Principal { return c.cfg.Principal }

// Timeout returns the configured escrow timeout.
func (c *Coordinator) Timeout() time.Duration { return c.cfg.Timeout }

// InFlight reports the number of purchase calls awaiting their continuation.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Initiate locks the attached value, records the escrow and dispatches the
// purchase call. It returns before the purchase outcome is known.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (*Record, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.initiate",
		trace.WithAttributes(
			attribute.String("escrow.buyer", req.Buyer.String()),
			attribute.String("escrow.seller", req.Seller.String()),
			attribute.String("escrow.ledger", req.AssetLedgerID),
		))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	record, ledger, err := c.validateInitiate(ctx, req)
	if err != nil {
		return nil, spanError(span, err)
	}
	// Value moves from here on; a cancelled request must not interrupt the
	// deposit, the record write or the refund that undoes them.
	ctx = context.WithoutCancel(ctx)
	if err := c.bank.Collect(ctx, record.Buyer, record.LockedAmount); err != nil {
		if errors.Is(err, bank.ErrInsufficientBalance) {
			return nil, spanError(span, fmt.Errorf("%w: %v", ErrInsufficientFunds, err))
		}
		return nil, spanError(span, fmt.Errorf("escrow: collect deposit: %w", err))
	}
	if err := c.store.Put(ctx, record); err != nil {
		if refundErr := c.bank.Send(ctx, record.Buyer, record.LockedAmount); refundErr != nil {
			c.logger.Error("escrow deposit stranded after store failure",
				slog.String("buyer", record.Buyer.String()),
				slog.String("amount", record.LockedAmount.String()),
				slog.Any("error", refundErr))
		}
		return nil, spanError(span, fmt.Errorf("escrow: store record: %w", err))
	}

	c.pending[record.Buyer] = record.ID
	c.metrics.SetInFlight(len(c.pending))
	c.metrics.RecordTransition("initiated")
	c.emit(NewInitiatedEvent(record))
	c.logger.Info("escrow initiated",
		slog.String("id", record.IDHex()),
		slog.String("buyer", record.Buyer.String()),
		slog.String("seller", record.Seller.String()),
		slog.String("ledger", record.AssetLedgerID),
		slog.String("locked", record.LockedAmount.String()))

	purchaseAmount := new(big.Int).Sub(record.LockedAmount, record.FeeReserve)
	c.dispatchPurchase(record.Clone(), ledger, purchaseAmount)
	span.SetStatus(codes.Ok, "escrowed")
	return record.Clone(), nil
}

func (c *Coordinator) validateInitiate(ctx context.Context, req InitiateRequest) (*Record, AssetLedger, error) {
	if err := req.Buyer.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: buyer: %v", ErrInvalidPrincipal, err)
	}
	if err := req.Seller.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: seller: %v", ErrInvalidPrincipal, err)
	}
	if req.Buyer == c.cfg.Principal || req.Seller == c.cfg.Principal {
		return nil, nil, ErrCoordinatorCaller
	}
	if req.Seller == req.Buyer {
		return nil, nil, ErrSelfEscrow
	}
	if req.Attached == nil || req.Attached.Cmp(c.cfg.FeeReserve) <= 0 || req.Attached.Sign() <= 0 {
		return nil, nil, ErrInsufficientDeposit
	}
	exists, err := c.store.Contains(ctx, req.Buyer)
	if err != nil {
		return nil, nil, fmt.Errorf("escrow: lookup buyer: %w", err)
	}
	if exists {
		return nil, nil, ErrEscrowExists
	}
	ledger, ok := c.ledgers.Resolve(req.AssetLedgerID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownLedger, req.AssetLedgerID)
	}
	createdAt := c.now()
	record := &Record{
		ID:                ComputeID(req.Buyer, req.Seller, normalizeLedgerID(req.AssetLedgerID), createdAt),
		Buyer:             req.Buyer,
		Seller:            req.Seller,
		LockedAmount:      new(big.Int).Set(req.Attached),
		FeeReserve:        new(big.Int).Set(c.cfg.FeeReserve),
		AssetLedgerID:     normalizeLedgerID(req.AssetLedgerID),
		PurchasedQuantity: uint256.NewInt(0),
		State:             StateEscrowed,
		CreatedAt:         createdAt,
	}
	return record, ledger, nil
}

func (c *Coordinator) dispatchPurchase(record *Record, ledger AssetLedger, amount *big.Int) {
	c.dispatcher.Dispatch(func(ctx context.Context) {
		start := time.Now()
		quantity, err := ledger.PurchaseAsset(ctx, record.Seller, record.Buyer, amount)
		c.metrics.ObserveLedgerCall("purchase", time.Since(start), err)
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			c.abandonPurchase(record, err)
			return
		}
		c.resumePurchase(context.WithoutCancel(ctx), record.Buyer, record.ID, quantity, err)
	})
}

// abandonPurchase handles a purchase call cancelled on this side, typically
// by dispatcher shutdown. The ledger may already have committed, so the
// record stays escrowed instead of being refunded.
func (c *Coordinator) abandonPurchase(record *Record, callErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pendingID, ok := c.pending[record.Buyer]; ok && pendingID == record.ID {
		delete(c.pending, record.Buyer)
		c.metrics.SetInFlight(len(c.pending))
	}
	c.metrics.RecordTransition("purchase_abandoned")
	c.logger.Warn("escrow purchase call cancelled locally, record left escrowed",
		slog.String("id", record.IDHex()),
		slog.String("buyer", record.Buyer.String()),
		slog.Any("error", callErr))
}

// resumePurchase is the continuation of the purchase call. Success activates
// the record; failure refunds the full locked amount and removes it.
func (c *Coordinator) resumePurchase(ctx context.Context, buyer types.Principal, id [32]byte, quantity *uint256.Int, callErr error) {
	ctx, span := c.tracer.Start(ctx, "escrow.resume_purchase",
		trace.WithAttributes(attribute.String("escrow.buyer", buyer.String())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	// The pending marker is kept only when a failed purchase could not be
	// recorded as owing a refund, so the sweep never releases it.
	keepPending := false
	defer func() {
		if pendingID, ok := c.pending[buyer]; ok && pendingID == id && !keepPending {
			delete(c.pending, buyer)
			c.metrics.SetInFlight(len(c.pending))
		}
	}()
	record, ok, err := c.store.Get(ctx, buyer)
	if err != nil {
		c.logger.Error("escrow purchase continuation could not load record",
			slog.String("buyer", buyer.String()), slog.Any("error", err))
		spanError(span, err)
		return
	}
	if !ok || record.ID != id || record.State != StateEscrowed {
		c.logger.Warn("ignoring stale purchase continuation", slog.String("buyer", buyer.String()))
		return
	}

	if callErr != nil {
		failure := fmt.Errorf("%w: purchase: %v", ErrExternalCall, callErr)
		spanError(span, failure)
		c.logger.Warn("escrow purchase failed, refunding buyer",
			slog.String("id", record.IDHex()),
			slog.String("buyer", buyer.String()),
			slog.Any("error", failure))
		owed := record.Clone()
		owed.State = StateRefunding
		if err := c.settle(ctx, owed, bank.Payment{To: owed.Buyer, Amount: owed.LockedAmount}); err != nil {
			keepPending = !c.markRefunding(ctx, owed)
			c.metrics.RecordTransition("refund_pending")
			c.logger.Error("escrow refund after failed purchase did not complete",
				slog.String("id", record.IDHex()),
				slog.Bool("recorded", !keepPending),
				slog.Any("error", err))
			return
		}
		c.metrics.RecordTransition("purchase_failed")
		c.emit(NewPurchaseFailedEvent(record, failure.Error()))
		return
	}

	if quantity == nil {
		quantity = uint256.NewInt(0)
	}
	record.PurchasedQuantity = quantity.Clone()
	record.State = StateActive
	if err := c.store.Put(ctx, record); err != nil {
		c.logger.Error("escrow could not record purchased quantity",
			slog.String("id", record.IDHex()), slog.Any("error", err))
		spanError(span, err)
		return
	}
	c.metrics.RecordTransition("purchase_confirmed")
	c.emit(NewPurchaseConfirmedEvent(record))
	c.logger.Info("escrow purchase confirmed",
		slog.String("id", record.IDHex()),
		slog.String("buyer", buyer.String()),
		slog.String("quantity", quantity.Dec()))
}

// Approve releases the buyer's escrow to the seller.
func (c *Coordinator) Approve(ctx context.Context, buyer types.Principal) (*Record, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.approve",
		trace.WithAttributes(attribute.String("escrow.buyer", buyer.String())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.loadActive(ctx, buyer)
	if err != nil {
		return nil, spanError(span, err)
	}
	if err := c.settle(ctx, record, c.releasePayments(record)...); err != nil {
		return nil, spanError(span, err)
	}
	c.metrics.RecordTransition("released")
	c.emit(NewReleasedEvent(record))
	c.logger.Info("escrow released",
		slog.String("id", record.IDHex()),
		slog.String("buyer", buyer.String()),
		slog.String("seller", record.Seller.String()),
		slog.String("proceeds", record.SellerProceeds().String()))
	return record, nil
}

// Cancel refunds the buyer in full and then asks the asset ledger to move the
// purchased units back to the seller. The refund is final before the
// compensating transfer is issued; a failed transfer is reported, not retried.
func (c *Coordinator) Cancel(ctx context.Context, buyer types.Principal) (*Record, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.cancel",
		trace.WithAttributes(attribute.String("escrow.buyer", buyer.String())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.load(ctx, buyer)
	if err != nil {
		return nil, spanError(span, err)
	}
	switch record.State {
	case StateActive:
	case StateRefunding:
		if err := c.completeRefund(ctx, record); err != nil {
			return nil, spanError(span, err)
		}
		return record, nil
	default:
		return nil, spanError(span, ErrPurchasePending)
	}
	if err := c.settle(ctx, record, bank.Payment{To: record.Buyer, Amount: record.LockedAmount}); err != nil {
		return nil, spanError(span, err)
	}
	c.metrics.RecordTransition("cancelled")
	c.emit(NewCancelledEvent(record))
	c.logger.Info("escrow cancelled",
		slog.String("id", record.IDHex()),
		slog.String("buyer", buyer.String()),
		slog.String("refund", record.LockedAmount.String()))

	if record.PurchasedQuantity.IsZero() {
		return record, nil
	}
	ledger, ok := c.ledgers.Resolve(record.AssetLedgerID)
	if !ok {
		reason := fmt.Sprintf("asset ledger %q no longer registered", record.AssetLedgerID)
		c.reportGiveback(record, errors.New(reason))
		return record, nil
	}
	c.dispatchGiveback(record.Clone(), ledger)
	return record, nil
}

func (c *Coordinator) dispatchGiveback(record *Record, ledger AssetLedger) {
	c.dispatcher.Dispatch(func(ctx context.Context) {
		start := time.Now()
		err := ledger.TransferAsset(ctx, record.PurchasedQuantity, record.Buyer, record.Seller)
		c.metrics.ObserveLedgerCall("transfer", time.Since(start), err)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.reportGiveback(record, err)
	})
}

func (c *Coordinator) reportGiveback(record *Record, err error) {
	if err != nil {
		failure := fmt.Errorf("%w: giveback: %v", ErrExternalCall, err)
		c.metrics.RecordGiveback("failed")
		c.emit(NewGivebackFailedEvent(record, failure.Error()))
		c.logger.Error("escrow giveback failed, buyer retains refund and assets",
			slog.String("id", record.IDHex()),
			slog.String("buyer", record.Buyer.String()),
			slog.String("seller", record.Seller.String()),
			slog.String("quantity", record.PurchasedQuantity.Dec()),
			slog.Any("error", failure))
		return
	}
	c.metrics.RecordGiveback("succeeded")
	c.emit(NewGivebackSucceededEvent(record))
	c.logger.Info("escrow giveback completed",
		slog.String("id", record.IDHex()),
		slog.String("quantity", record.PurchasedQuantity.Dec()))
}

// markRefunding makes sure the stored record carries StateRefunding after a
// failed refund. It reports whether the obligation is persisted or the record
// is already gone.
func (c *Coordinator) markRefunding(ctx context.Context, owed *Record) bool {
	ctx = context.WithoutCancel(ctx)
	stored, ok, err := c.store.Get(ctx, owed.Buyer)
	if err == nil && (!ok || stored.State == StateRefunding) {
		return true
	}
	if err := c.store.Put(ctx, owed); err != nil {
		c.logger.Error("escrow could not record refund obligation",
			slog.String("id", owed.IDHex()), slog.Any("error", err))
		return false
	}
	return true
}

// completeRefund pays out a refund that failed earlier and removes the
// record.
func (c *Coordinator) completeRefund(ctx context.Context, record *Record) error {
	if err := c.settle(ctx, record, bank.Payment{To: record.Buyer, Amount: record.LockedAmount}); err != nil {
		return err
	}
	c.metrics.RecordTransition("purchase_failed")
	c.emit(NewPurchaseFailedEvent(record, "purchase failed, refund completed on retry"))
	c.logger.Info("escrow refund completed",
		slog.String("id", record.IDHex()),
		slog.String("buyer", record.Buyer.String()),
		slog.String("refund", record.LockedAmount.String()))
	return nil
}

// ViewPending returns the seller, locked amount and creation time of the
// buyer's escrow.
func (c *Coordinator) ViewPending(ctx context.Context, buyer types.Principal) (*PendingView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok, err := c.store.Get(ctx, buyer)
	if err != nil || !ok {
		return nil, false, err
	}
	return &PendingView{
		Seller:       record.Seller,
		LockedAmount: cloneBigInt(record.LockedAmount),
		CreatedAt:    record.CreatedAt,
	}, true, nil
}

// Get returns the full record for buyer.
func (c *Coordinator) Get(ctx context.Context, buyer types.Principal) (*Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(ctx, buyer)
}

func (c *Coordinator) load(ctx context.Context, buyer types.Principal) (*Record, error) {
	record, ok, err := c.store.Get(ctx, buyer)
	if err != nil {
		return nil, fmt.Errorf("escrow: load record: %w", err)
	}
	if !ok || record.LockedAmount.Sign() <= 0 {
		return nil, ErrNoEscrow
	}
	return record, nil
}

func (c *Coordinator) loadActive(ctx context.Context, buyer types.Principal) (*Record, error) {
	record, err := c.load(ctx, buyer)
	if err != nil {
		return nil, err
	}
	switch record.State {
	case StateActive:
		return record, nil
	case StateRefunding:
		return nil, ErrRefundPending
	default:
		return nil, ErrPurchasePending
	}
}

func (c *Coordinator) releasePayments(record *Record) []bank.Payment {
	payments := []bank.Payment{{To: record.Seller, Amount: record.SellerProceeds()}}
	if !c.cfg.FeeTreasury.IsZero() {
		payments = append(payments, bank.Payment{To: c.cfg.FeeTreasury, Amount: cloneBigInt(record.FeeReserve)})
	}
	return payments
}

// settle removes the record and pays out. A failed payout restores the record
// so the escrow stays visible and can be settled again. Removal, payout and
// restore ignore cancellation of ctx.
func (c *Coordinator) settle(ctx context.Context, record *Record, payments ...bank.Payment) error {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.Remove(ctx, record.Buyer); err != nil {
		return fmt.Errorf("escrow: remove record: %w", err)
	}
	if err := c.bank.SendAll(ctx, payments...); err != nil {
		if restoreErr := c.store.Put(ctx, record); restoreErr != nil {
			c.logger.Error("escrow record lost after failed payout",
				slog.String("id", record.IDHex()), slog.Any("error", restoreErr))
		}
		return fmt.Errorf("escrow: settle %s: %w", record.Buyer, err)
	}
	return nil
}

func (c *Coordinator) emit(event *types.Event) {
	if c == nil || c.emitter == nil || event == nil {
		return
	}
	c.emitter.Emit(escrowEvent{evt: event})
}

func (c *Coordinator) now() int64 {
	if c == nil || c.nowFn == nil {
		return time.Now().Unix()
	}
	return c.nowFn()
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
