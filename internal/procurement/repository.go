package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository is the PostgreSQL implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes procurement writes inside one transaction.
type TxRepository interface {
	InsertPO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) error
	DeletePOLines(ctx context.Context, poID int64) error
	DeletePO(ctx context.Context, poID int64) error
	UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error
	SetPOApproval(ctx context.Context, poID, approverID int64, at time.Time) error
	InsertReceipt(ctx context.Context, receipt PurchaseReceipt) (int64, error)
	InsertReceiptLine(ctx context.Context, line ReceiptLine) error
	DeleteReceiptLines(ctx context.Context, receiptID int64) error
	DeleteReceipt(ctx context.Context, receiptID int64) error
	AddReceivedQty(ctx context.Context, poID, productID, qty int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn inside a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetPO loads the order header and lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	var po PurchaseOrder
	err := r.pool.QueryRow(ctx, `
SELECT id, number, supplier_id, status, COALESCE(expected_at, 'epoch'::timestamptz), COALESCE(notes, ''), created_by, COALESCE(approved_by, 0), COALESCE(approved_at, 'epoch'::timestamptz)
FROM purchase_orders WHERE id = $1`, id).Scan(
		&po.ID, &po.Number, &po.SupplierID, &po.Status, &po.ExpectedAt, &po.Notes, &po.CreatedBy, &po.ApprovedBy, &po.ApprovedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, nil, ErrNotFound
		}
		return PurchaseOrder{}, nil, fmt.Errorf("get purchase order: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, po_id, product_id, ordered_qty, received_qty, price, COALESCE(notes, '')
FROM purchase_order_lines WHERE po_id = $1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, nil, fmt.Errorf("list purchase order lines: %w", err)
	}
	defer rows.Close()

	var lines []POLine
	for rows.Next() {
		var l POLine
		if err := rows.Scan(&l.ID, &l.POID, &l.ProductID, &l.OrderedQty, &l.ReceivedQty, &l.Price, &l.Notes); err != nil {
			return PurchaseOrder{}, nil, fmt.Errorf("scan purchase order line: %w", err)
		}
		lines = append(lines, l)
	}
	return po, lines, rows.Err()
}

// GetReceiptByNumber loads a stored receipt with its lines, used when a
// receipt id is replayed.
func (r *Repository) GetReceiptByNumber(ctx context.Context, number string) (PurchaseReceipt, error) {
	var rec PurchaseReceipt
	err := r.pool.QueryRow(ctx, `
SELECT id, number, po_id, location_id, received_at, COALESCE(notes, '')
FROM purchase_receipts WHERE number = $1`, number).Scan(
		&rec.ID, &rec.Number, &rec.POID, &rec.LocationID, &rec.ReceivedAt, &rec.Notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseReceipt{}, ErrNotFound
		}
		return PurchaseReceipt{}, fmt.Errorf("get receipt: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, receipt_id, product_id, expected_qty, received_qty, accepted_qty, rejected_qty
FROM purchase_receipt_lines WHERE receipt_id = $1 ORDER BY id`, rec.ID)
	if err != nil {
		return PurchaseReceipt{}, fmt.Errorf("list receipt lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l ReceiptLine
		if err := rows.Scan(&l.ID, &l.ReceiptID, &l.ProductID, &l.ExpectedQty, &l.ReceivedQty, &l.AcceptedQty, &l.RejectedQty); err != nil {
			return PurchaseReceipt{}, fmt.Errorf("scan receipt line: %w", err)
		}
		rec.Lines = append(rec.Lines, l)
	}
	return rec, rows.Err()
}

// ListPOs returns orders newest first, optionally filtered by status.
func (r *Repository) ListPOs(ctx context.Context, status POStatus, limit int) ([]PurchaseOrder, error) {
	query := `
SELECT id, number, supplier_id, status, COALESCE(expected_at, 'epoch'::timestamptz), COALESCE(notes, ''), created_by, COALESCE(approved_by, 0), COALESCE(approved_at, 'epoch'::timestamptz)
FROM purchase_orders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchase orders: %w", err)
	}
	defer rows.Close()

	var pos []PurchaseOrder
	for rows.Next() {
		var po PurchaseOrder
		if err := rows.Scan(&po.ID, &po.Number, &po.SupplierID, &po.Status, &po.ExpectedAt, &po.Notes, &po.CreatedBy, &po.ApprovedBy, &po.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan purchase order: %w", err)
		}
		pos = append(pos, po)
	}
	return pos, rows.Err()
}

func (t *txRepository) InsertPO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var expectedAt *time.Time
	if !po.ExpectedAt.IsZero() {
		expectedAt = &po.ExpectedAt
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO purchase_orders (number, supplier_id, status, expected_at, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
RETURNING id`, po.Number, po.SupplierID, string(po.Status), expectedAt, po.Notes, po.CreatedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert purchase order: %w", err)
	}
	return id, nil
}

func (t *txRepository) InsertPOLine(ctx context.Context, line POLine) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO purchase_order_lines (po_id, product_id, ordered_qty, received_qty, price, notes)
VALUES ($1, $2, $3, 0, $4, $5)`, line.POID, line.ProductID, line.OrderedQty, line.Price, line.Notes)
	if err != nil {
		return fmt.Errorf("insert purchase order line: %w", err)
	}
	return nil
}

func (t *txRepository) DeletePOLines(ctx context.Context, poID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM purchase_order_lines WHERE po_id = $1`, poID)
	if err != nil {
		return fmt.Errorf("delete purchase order lines: %w", err)
	}
	return nil
}

func (t *txRepository) DeletePO(ctx context.Context, poID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM purchase_orders WHERE id = $1`, poID)
	if err != nil {
		return fmt.Errorf("delete purchase order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status = $2, updated_at = NOW() WHERE id = $1`, poID, string(status))
	if err != nil {
		return fmt.Errorf("update purchase order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) SetPOApproval(ctx context.Context, poID, approverID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET approved_by = $2, approved_at = $3 WHERE id = $1`, poID, approverID, at)
	if err != nil {
		return fmt.Errorf("set purchase order approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepository) InsertReceipt(ctx context.Context, receipt PurchaseReceipt) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO purchase_receipts (number, po_id, location_id, received_at, notes, created_at)
VALUES ($1, $2, $3, $4, $5, NOW())
RETURNING id`, receipt.Number, receipt.POID, receipt.LocationID, receipt.ReceivedAt, receipt.Notes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}
	return id, nil
}

func (t *txRepository) InsertReceiptLine(ctx context.Context, line ReceiptLine) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO purchase_receipt_lines (receipt_id, product_id, expected_qty, received_qty, accepted_qty, rejected_qty)
VALUES ($1, $2, $3, $4, $5, $6)`,
		line.ReceiptID, line.ProductID, line.ExpectedQty, line.ReceivedQty, line.AcceptedQty, line.RejectedQty)
	if err != nil {
		return fmt.Errorf("insert receipt line: %w", err)
	}
	return nil
}

func (t *txRepository) DeleteReceiptLines(ctx context.Context, receiptID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM purchase_receipt_lines WHERE receipt_id = $1`, receiptID)
	if err != nil {
		return fmt.Errorf("delete receipt lines: %w", err)
	}
	return nil
}

func (t *txRepository) DeleteReceipt(ctx context.Context, receiptID int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM purchase_receipts WHERE id = $1`, receiptID)
	if err != nil {
		return fmt.Errorf("delete receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddReceivedQty bumps a line's received quantity. Negative qty unwinds a
// receipt; the predicate keeps the result inside [0, ordered_qty].
func (t *txRepository) AddReceivedQty(ctx context.Context, poID, productID, qty int64) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE purchase_order_lines SET received_qty = received_qty + $3
WHERE po_id = $1 AND product_id = $2
  AND received_qty + $3 <= ordered_qty AND received_qty + $3 >= 0`, poID, productID, qty)
	if err != nil {
		return fmt.Errorf("add received qty: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &OverReceiptError{ProductID: productID, Received: qty}
	}
	return nil
}
