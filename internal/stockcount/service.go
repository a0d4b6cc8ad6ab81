package stockcount

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts persistence for stock counts.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	GetCount(ctx context.Context, id int64) (StockCount, []CountLine, error)
	ListCounts(ctx context.Context, status CountStatus, limit int) ([]StockCount, error)
}

// InventoryPort is the stock mutator slice the reconciler needs.
type InventoryPort interface {
	ApplyBatch(ctx context.Context, reqs []inventory.DeltaRequest) ([]inventory.MovementEntry, error)
}

// IdempotencyPort guards completion replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort records workflow actions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Reconciler drives stock count sessions and turns counted differences
// into ledger adjustments.
type Reconciler struct {
	repo        RepositoryPort
	inventory   InventoryPort
	idempotency IdempotencyPort
	audit       AuditPort
	numbers     shared.DocumentNumbers
}

func NewReconciler(repo RepositoryPort, inv InventoryPort, idem IdempotencyPort, audit AuditPort, numbers shared.DocumentNumbers) *Reconciler {
	if numbers == nil {
		numbers = shared.TimestampNumbers{}
	}
	return &Reconciler{repo: repo, inventory: inv, idempotency: idem, audit: audit, numbers: numbers}
}

// CreateInput creates a draft count session.
type CreateInput struct {
	Type       CountType
	LocationID int64
	Notes      string
	ProductIDs []int64
	ActorID    int64
}

// Create stores a draft count. CYCLE and SPOT counts name their products up
// front; FULL counts generate lines from the location's stock records when
// started.
func (r *Reconciler) Create(ctx context.Context, input CreateInput) (StockCount, error) {
	if !input.Type.Valid() {
		return StockCount{}, fmt.Errorf("%w: unknown count type %q", ErrValidation, input.Type)
	}
	if input.LocationID <= 0 {
		return StockCount{}, fmt.Errorf("%w: location id is required", ErrValidation)
	}
	if input.Type != CountTypeFull && len(input.ProductIDs) == 0 {
		return StockCount{}, fmt.Errorf("%w: %s counts require a product list", ErrValidation, input.Type)
	}
	seen := make(map[int64]bool, len(input.ProductIDs))
	for _, id := range input.ProductIDs {
		if id <= 0 {
			return StockCount{}, fmt.Errorf("%w: product id is required", ErrValidation)
		}
		if seen[id] {
			return StockCount{}, fmt.Errorf("%w: duplicate product %d", ErrValidation, id)
		}
		seen[id] = true
	}

	count := StockCount{
		Number:     r.numbers.Next("SC"),
		Type:       input.Type,
		Status:     CountStatusDraft,
		LocationID: input.LocationID,
		Notes:      input.Notes,
		CreatedBy:  input.ActorID,
		CreatedAt:  time.Now().UTC(),
	}
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertCount(ctx, count)
		if err != nil {
			return err
		}
		count.ID = id
		for _, productID := range input.ProductIDs {
			if err := tx.InsertCountLine(ctx, CountLine{CountID: id, ProductID: productID, Result: LineResultPending}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return StockCount{}, err
	}
	r.recordAudit(ctx, input.ActorID, "stock_count.create", count.ID, map[string]any{"number": count.Number, "type": string(count.Type)})
	return count, nil
}

// Start freezes the system quantity snapshot and opens the count. The
// snapshot and the status change happen in one transaction so every line
// sees the same moment.
func (r *Reconciler) Start(ctx context.Context, countID, actorID int64) error {
	count, _, err := r.repo.GetCount(ctx, countID)
	if err != nil {
		return err
	}
	if count.Status != CountStatusDraft {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, count.Status)
	}
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if count.Type == CountTypeFull {
			if err := tx.GenerateLinesFromStock(ctx, countID, count.LocationID); err != nil {
				return err
			}
		}
		if err := tx.FreezeSystemQty(ctx, countID, count.LocationID); err != nil {
			return err
		}
		return tx.ClaimCountStatus(ctx, countID, CountStatusDraft, CountStatusInProgress, time.Now().UTC(), time.Time{})
	})
	if err != nil {
		return err
	}
	r.recordAudit(ctx, actorID, "stock_count.start", countID, nil)
	return nil
}

// RecordActual writes one counted quantity. Lines may be recounted while
// the session is open; the last count wins.
func (r *Reconciler) RecordActual(ctx context.Context, countID, productID, actual, actorID int64) (CountLine, error) {
	if actual < 0 {
		return CountLine{}, fmt.Errorf("%w: counted quantity must not be negative", ErrValidation)
	}
	count, lines, err := r.repo.GetCount(ctx, countID)
	if err != nil {
		return CountLine{}, err
	}
	if count.Status != CountStatusInProgress {
		return CountLine{}, fmt.Errorf("%w: cannot record counts in %s", ErrInvalidState, count.Status)
	}

	var line CountLine
	found := false
	for _, l := range lines {
		if l.ProductID == productID {
			line = l
			found = true
			break
		}
	}
	if !found {
		return CountLine{}, fmt.Errorf("%w: product %d is not part of the count", ErrValidation, productID)
	}

	line.CountedQty = actual
	line.Counted = true
	line.Difference = actual - line.SystemQty
	switch {
	case line.Difference == 0:
		line.Result = LineResultMatch
	case line.Difference > 0:
		line.Result = LineResultSurplus
	default:
		line.Result = LineResultShortage
	}

	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateCountLine(ctx, line)
	})
	if err != nil {
		return CountLine{}, err
	}
	return line, nil
}

// Complete closes the count. When applyAdjustments is set, every counted
// non-zero difference becomes an ADJUST movement in one batch; otherwise
// the differences are only reported. Uncounted lines never adjust stock.
// The IN_PROGRESS to COMPLETED transition is claimed with a conditional
// update before any adjustment is applied; concurrent or replayed
// completions lose the claim instead of adjusting twice.
func (r *Reconciler) Complete(ctx context.Context, countID int64, applyAdjustments bool, actorID int64) error {
	count, lines, err := r.repo.GetCount(ctx, countID)
	if err != nil {
		return err
	}
	if count.Status != CountStatusInProgress {
		return fmt.Errorf("%w: cannot complete from %s", ErrInvalidState, count.Status)
	}

	key := fmt.Sprintf("SC:%s", count.Number)
	inserted := false
	if r.idempotency != nil {
		if err := r.idempotency.CheckAndInsert(ctx, key, "stockcount"); err != nil {
			return err
		}
		inserted = true
	}
	release := func(err error) error {
		if inserted {
			_ = r.idempotency.Delete(ctx, key)
		}
		return err
	}

	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ClaimCountStatus(ctx, countID, CountStatusInProgress, CountStatusCompleted, time.Time{}, time.Now().UTC())
	})
	if err != nil {
		return release(err)
	}

	if applyAdjustments {
		var deltas []inventory.DeltaRequest
		for _, l := range lines {
			if !l.Counted || l.Difference == 0 {
				continue
			}
			deltas = append(deltas, inventory.DeltaRequest{
				ProductID:  l.ProductID,
				LocationID: count.LocationID,
				Type:       inventory.MovementAdjust,
				Delta:      l.Difference,
				Reference:  inventory.Reference{Type: inventory.RefStockCount, ID: strconv.FormatInt(countID, 10)},
				Reason:     "stock count reconciliation",
				ActorID:    actorID,
			})
		}
		if len(deltas) > 0 {
			if _, err := r.inventory.ApplyBatch(ctx, deltas); err != nil {
				// No adjustment landed; reopen the count for a retry.
				revertErr := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
					return tx.ClaimCountStatus(ctx, countID, CountStatusCompleted, CountStatusInProgress, time.Time{}, time.Time{})
				})
				if revertErr != nil {
					err = errors.Join(err, revertErr)
				}
				return release(err)
			}
		}
	}

	r.recordAudit(ctx, actorID, "stock_count.complete", countID, map[string]any{"apply_adjustments": applyAdjustments})
	return nil
}

// Cancel aborts a count that has not completed.
func (r *Reconciler) Cancel(ctx context.Context, countID, actorID int64) error {
	count, _, err := r.repo.GetCount(ctx, countID)
	if err != nil {
		return err
	}
	if count.Status != CountStatusDraft && count.Status != CountStatusInProgress {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, count.Status)
	}
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ClaimCountStatus(ctx, countID, count.Status, CountStatusCancelled, time.Time{}, time.Time{})
	})
	if err != nil {
		return err
	}
	r.recordAudit(ctx, actorID, "stock_count.cancel", countID, nil)
	return nil
}

// Get returns the count with its lines.
func (r *Reconciler) Get(ctx context.Context, countID int64) (StockCount, []CountLine, error) {
	return r.repo.GetCount(ctx, countID)
}

// List returns counts, optionally filtered by status.
func (r *Reconciler) List(ctx context.Context, status CountStatus, limit int) ([]StockCount, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.repo.ListCounts(ctx, status, limit)
}

func (r *Reconciler) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if r.audit == nil {
		return
	}
	_ = r.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_count",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
}
