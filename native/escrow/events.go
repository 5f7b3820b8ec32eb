package escrow

import (
	"strconv"
	"strings"

	"assetescrow/core/types"
)

const (
	EventTypeInitiated         = "escrow.initiated"
	EventTypePurchaseConfirmed = "escrow.purchase_confirmed"
	EventTypePurchaseFailed    = "escrow.purchase_failed"
	EventTypeReleased          = "escrow.released"
	EventTypeCancelled         = "escrow.cancelled"
	EventTypeExpired           = "escrow.expired"
	EventTypeGivebackSucceeded = "escrow.giveback_succeeded"
	EventTypeGivebackFailed    = "escrow.giveback_failed"
)

// NewInitiatedEvent returns the canonical payload for a newly locked escrow.
func NewInitiatedEvent(r *Record) *types.Event { return newRecordEvent(EventTypeInitiated, r, "") }

// NewPurchaseConfirmedEvent is emitted once the asset ledger confirms the
// purchase.
func NewPurchaseConfirmedEvent(r *Record) *types.Event {
	return newRecordEvent(EventTypePurchaseConfirmed, r, "")
}

// NewPurchaseFailedEvent is emitted after a failed purchase has been refunded.
func NewPurchaseFailedEvent(r *Record, reason string) *types.Event {
	return newRecordEvent(EventTypePurchaseFailed, r, reason)
}

func NewReleasedEvent(r *Record) *types.Event { return newRecordEvent(EventTypeReleased, r, "") }

func NewCancelledEvent(r *Record) *types.Event { return newRecordEvent(EventTypeCancelled, r, "") }

// NewExpiredEvent is emitted when the timeout sweep force-settles a record.
func NewExpiredEvent(r *Record) *types.Event { return newRecordEvent(EventTypeExpired, r, "") }

func NewGivebackSucceededEvent(r *Record) *types.Event {
	return newRecordEvent(EventTypeGivebackSucceeded, r, "")
}

// NewGivebackFailedEvent reports a compensating transfer that did not land.
// The buyer keeps both the refund and the assets in that case.
func NewGivebackFailedEvent(r *Record, reason string) *types.Event {
	return newRecordEvent(EventTypeGivebackFailed, r, reason)
}

func newRecordEvent(eventType string, r *Record, reason string) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	clone := r.Clone()
	attrs["id"] = clone.IDHex()
	attrs["buyer"] = clone.Buyer.String()
	attrs["seller"] = clone.Seller.String()
	attrs["assetLedgerId"] = clone.AssetLedgerID
	attrs["lockedAmount"] = clone.LockedAmount.String()
	attrs["feeReserve"] = clone.FeeReserve.String()
	attrs["purchasedQuantity"] = clone.PurchasedQuantity.Dec()
	attrs["state"] = clone.State.String()
	attrs["createdAt"] = strconv.FormatInt(clone.CreatedAt, 10)
	if strings.TrimSpace(reason) != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
