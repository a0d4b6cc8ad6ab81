package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists stock records and the movement ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the mutator.
type TxRepository interface {
	GetStockForUpdate(ctx context.Context, productID, locationID int64) (StockRecord, error)
	UpsertStockRecord(ctx context.Context, record StockRecord) error
	InsertMovement(ctx context.Context, entry MovementEntry) (int64, error)
	AllowNegativeStock(ctx context.Context, productID int64) (bool, error)
	InsertAdjustment(ctx context.Context, adjustment StockAdjustment) (int64, error)
}

// ErrStockRecordNotFound indicates a missing stock record row.
var ErrStockRecordNotFound = errors.New("inventory: stock record not found")

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetStockRecord reads the current record without locking.
func (r *Repository) GetStockRecord(ctx context.Context, productID, locationID int64) (StockRecord, error) {
	var rec StockRecord
	err := r.pool.QueryRow(ctx,
		`SELECT product_id, location_id, quantity, reserved_qty, updated_at
		 FROM stock_records WHERE product_id=$1 AND location_id=$2`,
		productID, locationID).
		Scan(&rec.ProductID, &rec.LocationID, &rec.Quantity, &rec.ReservedQty, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockRecord{ProductID: productID, LocationID: locationID}, ErrStockRecordNotFound
		}
		return StockRecord{}, err
	}
	return rec, nil
}

// ListMovements queries the ledger by product, location, reference and
// time range, most recent first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]MovementEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProductID != 0 {
		add("product_id=$%d", filter.ProductID)
	}
	if filter.LocationID != 0 {
		add("location_id=$%d", filter.LocationID)
	}
	if filter.ReferenceType != "" {
		add("reference_type=$%d", string(filter.ReferenceType))
	}
	if filter.ReferenceID != "" {
		add("reference_id=$%d", filter.ReferenceID)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= $%d", filter.To)
	}
	query := `SELECT id, product_id, location_id, movement_type, quantity, before_qty, after_qty,
		reference_type, reference_id, reason, notes, actor_id, occurred_at
		FROM stock_movements`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MovementEntry
	for rows.Next() {
		var e MovementEntry
		var movementType, refType string
		if err := rows.Scan(&e.ID, &e.ProductID, &e.LocationID, &movementType, &e.Quantity,
			&e.BeforeQty, &e.AfterQty, &refType, &e.Reference.ID, &e.Reason, &e.Notes,
			&e.ActorID, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Type = MovementType(movementType)
		e.Reference.Type = ReferenceType(refType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *txRepo) GetStockForUpdate(ctx context.Context, productID, locationID int64) (StockRecord, error) {
	var rec StockRecord
	err := r.tx.QueryRow(ctx,
		`SELECT product_id, location_id, quantity, reserved_qty, updated_at
		 FROM stock_records WHERE product_id=$1 AND location_id=$2 FOR UPDATE`,
		productID, locationID).
		Scan(&rec.ProductID, &rec.LocationID, &rec.Quantity, &rec.ReservedQty, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockRecord{ProductID: productID, LocationID: locationID}, ErrStockRecordNotFound
		}
		return StockRecord{}, err
	}
	return rec, nil
}

func (r *txRepo) UpsertStockRecord(ctx context.Context, record StockRecord) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO stock_records (product_id, location_id, quantity, reserved_qty, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (product_id, location_id)
		 DO UPDATE SET quantity=EXCLUDED.quantity, reserved_qty=EXCLUDED.reserved_qty, updated_at=EXCLUDED.updated_at`,
		record.ProductID, record.LocationID, record.Quantity, record.ReservedQty, record.UpdatedAt)
	return err
}

func (r *txRepo) InsertMovement(ctx context.Context, entry MovementEntry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx,
		`INSERT INTO stock_movements
		 (product_id, location_id, movement_type, quantity, before_qty, after_qty,
		  reference_type, reference_id, reason, notes, actor_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		entry.ProductID, entry.LocationID, string(entry.Type), entry.Quantity,
		entry.BeforeQty, entry.AfterQty, string(entry.Reference.Type), entry.Reference.ID,
		entry.Reason, entry.Notes, entry.ActorID, entry.OccurredAt).
		Scan(&id)
	return id, err
}

func (r *txRepo) AllowNegativeStock(ctx context.Context, productID int64) (bool, error) {
	var allow bool
	err := r.tx.QueryRow(ctx,
		`SELECT allow_negative_stock FROM products WHERE id=$1`, productID).Scan(&allow)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return allow, nil
}

func (r *txRepo) InsertAdjustment(ctx context.Context, adjustment StockAdjustment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx,
		`INSERT INTO stock_adjustments
		 (number, product_id, location_id, adjustment_type, quantity, applied_delta,
		  before_qty, after_qty, reason, actor_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		adjustment.Number, adjustment.ProductID, adjustment.LocationID, string(adjustment.Type),
		adjustment.Quantity, adjustment.AppliedDelta, adjustment.BeforeQty, adjustment.AfterQty,
		adjustment.Reason, adjustment.ActorID, adjustment.CreatedAt).
		Scan(&id)
	return id, err
}
