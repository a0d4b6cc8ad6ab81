package inventory

import (
	"context"
	"fmt"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Adjuster handles manual stock corrections (ADD/SUBTRACT/DAMAGE). It lives
// beside the mutator so the adjustment record and its movement share one
// transaction; all quantity changes still flow through the mutator's
// delta application.
type Adjuster struct {
	mutator *Mutator
	numbers shared.DocumentNumbers
}

// NewAdjuster builds the adjustment processor.
func NewAdjuster(mutator *Mutator, numbers shared.DocumentNumbers) *Adjuster {
	if numbers == nil {
		numbers = shared.TimestampNumbers{}
	}
	return &Adjuster{mutator: mutator, numbers: numbers}
}

// Adjust applies a manual correction. SUBTRACT and DAMAGE are floored at
// zero; the persisted record carries the delta actually applied, not the
// requested one.
func (a *Adjuster) Adjust(ctx context.Context, input AdjustmentInput) (StockAdjustment, error) {
	if input.ProductID == 0 || input.LocationID == 0 {
		return StockAdjustment{}, fmt.Errorf("%w: product and location required", ErrValidation)
	}
	if input.Quantity <= 0 {
		return StockAdjustment{}, fmt.Errorf("%w: adjustment quantity must be a positive integer", ErrValidation)
	}

	var delta int64
	var clamp bool
	switch input.Type {
	case AdjustmentAdd:
		delta = input.Quantity
	case AdjustmentSubtract, AdjustmentDamage:
		delta = -input.Quantity
		clamp = true
	default:
		return StockAdjustment{}, fmt.Errorf("%w: unknown adjustment type %q", ErrValidation, input.Type)
	}

	number := a.numbers.Next("ADJ")
	adjustment := StockAdjustment{
		Number:     number,
		ProductID:  input.ProductID,
		LocationID: input.LocationID,
		Type:       input.Type,
		Quantity:   input.Quantity,
		Reason:     input.Reason,
		ActorID:    input.ActorID,
	}

	req := DeltaRequest{
		ProductID:   input.ProductID,
		LocationID:  input.LocationID,
		Delta:       delta,
		Type:        MovementAdjust,
		Reference:   Reference{Type: RefStockAdjustment, ID: number},
		Reason:      input.Reason,
		ActorID:     input.ActorID,
		ClampToZero: clamp,
	}

	var entries []MovementEntry
	err := a.mutator.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		applied, err := a.mutator.applyDeltas(ctx, tx, []DeltaRequest{req})
		if err != nil {
			return err
		}
		entry := applied[0]
		adjustment.AppliedDelta = entry.Quantity
		adjustment.BeforeQty = entry.BeforeQty
		adjustment.AfterQty = entry.AfterQty
		adjustment.CreatedAt = entry.OccurredAt

		id, err := tx.InsertAdjustment(ctx, adjustment)
		if err != nil {
			return err
		}
		adjustment.ID = id
		entries = applied
		return nil
	})
	if err != nil {
		return StockAdjustment{}, err
	}
	a.mutator.afterCommit(ctx, entries)
	return adjustment, nil
}
