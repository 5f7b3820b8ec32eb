package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"assetescrow/core/types"
)

// SweepResult lists the buyers whose escrows a sweep settled or left alone.
type SweepResult struct {
	Settled []types.Principal
	Skipped []types.Principal
}

// Sweep force-settles every escrow older than the configured timeout exactly
// like an approval. Records whose purchase call is still outstanding are
// skipped; escrowed records without one (for example after a restart) are
// settled. Records owing a refund after a failed purchase are refunded to the
// buyer, never released. Failures are collected and the sweep moves on to the
// next record.
func (c *Coordinator) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.sweep")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now - int64(c.cfg.Timeout/time.Second)
	expired, err := c.store.Expired(ctx, cutoff)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("escrow: load expired records: %w", err))
	}

	result := &SweepResult{}
	var errs []error
	for _, record := range expired {
		if _, busy := c.pending[record.Buyer]; busy {
			result.Skipped = append(result.Skipped, record.Buyer)
			continue
		}
		if record.State == StateRefunding {
			if err := c.completeRefund(ctx, record); err != nil {
				errs = append(errs, fmt.Errorf("escrow: sweep refund %s: %w", record.Buyer, err))
				continue
			}
			result.Settled = append(result.Settled, record.Buyer)
			continue
		}
		if err := c.settle(ctx, record, c.releasePayments(record)...); err != nil {
			errs = append(errs, fmt.Errorf("escrow: sweep %s: %w", record.Buyer, err))
			continue
		}
		result.Settled = append(result.Settled, record.Buyer)
		c.metrics.RecordTransition("expired")
		c.emit(NewExpiredEvent(record))
		c.logger.Info("escrow expired and released to seller",
			slog.String("id", record.IDHex()),
			slog.String("buyer", record.Buyer.String()),
			slog.String("seller", record.Seller.String()),
			slog.String("state", record.State.String()),
			slog.Int64("createdAt", record.CreatedAt))
	}
	c.metrics.RecordSweep(len(result.Settled), len(errs))
	span.SetAttributes(
		attribute.Int("escrow.sweep.settled", len(result.Settled)),
		attribute.Int("escrow.sweep.skipped", len(result.Skipped)),
	)
	if joined := errors.Join(errs...); joined != nil {
		return result, spanError(span, joined)
	}
	span.SetStatus(codes.Ok, "swept")
	return result, nil
}
