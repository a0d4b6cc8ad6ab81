package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the mutator.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStockRecord(ctx context.Context, productID, locationID int64) (StockRecord, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]MovementEntry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives a signal per recorded ledger entry.
type MetricsPort interface {
	MovementRecorded(movementType string)
}

// Mutator is the only component allowed to change stock quantities. Every
// applied delta appends exactly one ledger entry in the same transaction.
type Mutator struct {
	repo        RepositoryPort
	audit       AuditPort
	cache       *StockCache
	metrics     MetricsPort
	subscribers []MovementSubscriber
	allowNeg    bool
}

// MutatorConfig groups optional settings.
type MutatorConfig struct {
	// AllowNegativeStock disables the negative-stock guard globally,
	// regardless of per-product policy.
	AllowNegativeStock bool
}

// NewMutator builds the Mutator.
func NewMutator(repo RepositoryPort, audit AuditPort, cache *StockCache, metrics MetricsPort, cfg MutatorConfig, subscribers ...MovementSubscriber) *Mutator {
	return &Mutator{
		repo:        repo,
		audit:       audit,
		cache:       cache,
		metrics:     metrics,
		subscribers: subscribers,
		allowNeg:    cfg.AllowNegativeStock,
	}
}

// Apply posts a single delta in its own transaction.
func (m *Mutator) Apply(ctx context.Context, req DeltaRequest) (MovementEntry, error) {
	entries, err := m.ApplyBatch(ctx, []DeltaRequest{req})
	if err != nil {
		return MovementEntry{}, err
	}
	return entries[0], nil
}

// ApplyBatch posts every delta inside one transaction. A failure on any
// delta rolls back all of them.
func (m *Mutator) ApplyBatch(ctx context.Context, reqs []DeltaRequest) ([]MovementEntry, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: at least one delta required", ErrValidation)
	}
	var entries []MovementEntry
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		applied, err := m.applyDeltas(ctx, tx, reqs)
		if err != nil {
			return err
		}
		entries = applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.afterCommit(ctx, entries)
	return entries, nil
}

// Transfer moves stock between locations as a paired outbound and inbound
// leg in one transaction. Both ledger entries carry the TRANSFER movement
// type so transfers stay distinguishable from ordinary receipts and issues;
// the shared reference id ties the two legs together.
func (m *Mutator) Transfer(ctx context.Context, input TransferInput) (MovementEntry, MovementEntry, error) {
	if input.ProductID == 0 || input.SrcLocation == 0 || input.DstLocation == 0 {
		return MovementEntry{}, MovementEntry{}, fmt.Errorf("%w: product and locations required", ErrValidation)
	}
	if input.SrcLocation == input.DstLocation {
		return MovementEntry{}, MovementEntry{}, fmt.Errorf("%w: source and destination location must differ", ErrValidation)
	}
	if input.Qty <= 0 {
		return MovementEntry{}, MovementEntry{}, fmt.Errorf("%w: transfer quantity must be positive", ErrValidation)
	}
	ref := input.Reference
	if ref.Type == "" {
		ref.Type = RefTransfer
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	out := DeltaRequest{
		ProductID:  input.ProductID,
		LocationID: input.SrcLocation,
		Delta:      -input.Qty,
		Type:       MovementTransfer,
		Reference:  ref,
		Notes:      fmt.Sprintf("transfer to location %d: %s", input.DstLocation, input.Notes),
		ActorID:    input.ActorID,
	}
	in := DeltaRequest{
		ProductID:  input.ProductID,
		LocationID: input.DstLocation,
		Delta:      input.Qty,
		Type:       MovementTransfer,
		Reference:  ref,
		Notes:      fmt.Sprintf("transfer from location %d: %s", input.SrcLocation, input.Notes),
		ActorID:    input.ActorID,
	}
	entries, err := m.ApplyBatch(ctx, []DeltaRequest{out, in})
	if err != nil {
		return MovementEntry{}, MovementEntry{}, err
	}
	return entries[0], entries[1], nil
}

// AdjustReservation changes the reserved quantity of a record. Reservations
// do not touch on-hand quantity, so no ledger entry is written.
func (m *Mutator) AdjustReservation(ctx context.Context, input ReservationInput) (StockRecord, error) {
	if input.ProductID == 0 || input.LocationID == 0 {
		return StockRecord{}, fmt.Errorf("%w: product and location required", ErrValidation)
	}
	if input.Delta == 0 {
		return StockRecord{}, fmt.Errorf("%w: reservation delta must be non zero", ErrValidation)
	}
	var record StockRecord
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetStockForUpdate(ctx, input.ProductID, input.LocationID)
		if err != nil && !errors.Is(err, ErrStockRecordNotFound) {
			return err
		}
		if errors.Is(err, ErrStockRecordNotFound) {
			rec = StockRecord{ProductID: input.ProductID, LocationID: input.LocationID}
		}
		newReserved := rec.ReservedQty + input.Delta
		if newReserved < 0 {
			return fmt.Errorf("%w: reserved quantity cannot go below zero", ErrValidation)
		}
		if newReserved > rec.Quantity {
			return &InsufficientStockError{
				ProductID:  input.ProductID,
				LocationID: input.LocationID,
				OnHand:     rec.Quantity,
				Requested:  newReserved,
			}
		}
		rec.ReservedQty = newReserved
		rec.UpdatedAt = time.Now().UTC()
		if err := tx.UpsertStockRecord(ctx, rec); err != nil {
			return err
		}
		record = rec
		return nil
	})
	if err != nil {
		return StockRecord{}, err
	}
	_ = m.cache.Bump(ctx)
	return record, nil
}

// GetStockLevel returns the current record, treating a missing row as zero.
func (m *Mutator) GetStockLevel(ctx context.Context, productID, locationID int64) (StockRecord, error) {
	if productID == 0 || locationID == 0 {
		return StockRecord{}, fmt.Errorf("%w: product and location required", ErrValidation)
	}
	if rec, ok := m.cache.GetRecord(ctx, productID, locationID); ok {
		return rec, nil
	}
	rec, err := m.cache.LoadShared(ctx, productID, locationID, func(ctx context.Context) (StockRecord, error) {
		return m.repo.GetStockRecord(ctx, productID, locationID)
	})
	if err != nil {
		if errors.Is(err, ErrStockRecordNotFound) {
			return StockRecord{ProductID: productID, LocationID: locationID}, nil
		}
		return StockRecord{}, err
	}
	return rec, nil
}

// ListMovements lists ledger entries matching the filter.
func (m *Mutator) ListMovements(ctx context.Context, filter MovementFilter) ([]MovementEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 200
	}
	return m.repo.ListMovements(ctx, filter)
}

// applyDeltas runs inside an open transaction and performs the locked
// read-modify-write plus ledger append for every request.
func (m *Mutator) applyDeltas(ctx context.Context, tx TxRepository, reqs []DeltaRequest) ([]MovementEntry, error) {
	now := time.Now().UTC()
	entries := make([]MovementEntry, 0, len(reqs))
	for _, req := range reqs {
		if req.ProductID == 0 || req.LocationID == 0 {
			return nil, fmt.Errorf("%w: product and location required", ErrValidation)
		}
		if !req.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown movement type %q", ErrValidation, req.Type)
		}
		if req.Delta == 0 {
			return nil, fmt.Errorf("%w: delta must be non zero", ErrValidation)
		}
		if req.Reference.Type == "" || req.Reference.ID == "" {
			return nil, fmt.Errorf("%w: movement reference required", ErrValidation)
		}

		rec, err := tx.GetStockForUpdate(ctx, req.ProductID, req.LocationID)
		if err != nil && !errors.Is(err, ErrStockRecordNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrStockRecordNotFound) {
			rec = StockRecord{ProductID: req.ProductID, LocationID: req.LocationID}
		}

		delta := req.Delta
		before := rec.Quantity
		newQty := before + delta
		if newQty < 0 {
			switch {
			case req.ClampToZero:
				delta = -before
				newQty = 0
			default:
				allowNeg, err := tx.AllowNegativeStock(ctx, req.ProductID)
				if err != nil {
					return nil, err
				}
				if !allowNeg && !m.allowNeg {
					return nil, &InsufficientStockError{
						ProductID:  req.ProductID,
						LocationID: req.LocationID,
						OnHand:     before,
						Requested:  -delta,
					}
				}
			}
		}

		rec.Quantity = newQty
		if rec.ReservedQty > newQty && newQty >= 0 {
			rec.ReservedQty = newQty
		}
		rec.UpdatedAt = now

		entry := MovementEntry{
			ProductID:  req.ProductID,
			LocationID: req.LocationID,
			Type:       req.Type,
			Quantity:   delta,
			BeforeQty:  before,
			AfterQty:   newQty,
			Reference:  req.Reference,
			Reason:     req.Reason,
			Notes:      req.Notes,
			ActorID:    req.ActorID,
			OccurredAt: now,
		}
		id, err := tx.InsertMovement(ctx, entry)
		if err != nil {
			return nil, err
		}
		entry.ID = id
		if err := tx.UpsertStockRecord(ctx, rec); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *Mutator) afterCommit(ctx context.Context, entries []MovementEntry) {
	_ = m.cache.Bump(ctx)
	for _, entry := range entries {
		if m.metrics != nil {
			m.metrics.MovementRecorded(string(entry.Type))
		}
		for _, sub := range m.subscribers {
			_ = sub.HandleMovementRecorded(ctx, entry)
		}
		if m.audit != nil {
			_ = m.audit.Record(ctx, shared.AuditLog{
				ActorID:  entry.ActorID,
				Action:   fmt.Sprintf("inventory:%s", entry.Type),
				Entity:   "stock_movement",
				EntityID: fmt.Sprintf("%d", entry.ID),
				Meta: map[string]any{
					"product_id":  entry.ProductID,
					"location_id": entry.LocationID,
					"delta":       entry.Quantity,
					"before_qty":  entry.BeforeQty,
					"after_qty":   entry.AfterQty,
					"reference":   fmt.Sprintf("%s:%s", entry.Reference.Type, entry.Reference.ID),
				},
			})
		}
	}
}
