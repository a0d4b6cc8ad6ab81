package stockcount

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

// TxRepository exposes stock count writes inside one transaction.
type TxRepository interface {
	InsertCount(ctx context.Context, count StockCount) (int64, error)
	InsertCountLine(ctx context.Context, line CountLine) error
	GenerateLinesFromStock(ctx context.Context, countID, locationID int64) error
	FreezeSystemQty(ctx context.Context, countID, locationID int64) error
	UpdateCountLine(ctx context.Context, line CountLine) error
	ClaimCountStatus(ctx context.Context, countID int64, from, to CountStatus, startedAt, completedAt time.Time) error
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

// GetCount loads the count header and lines.
func (r *Repository) GetCount(ctx context.Context, id int64) (StockCount, []CountLine, error) {
	var count StockCount
	err := r.pool.QueryRow(ctx, `
SELECT id, number, type, status, location_id, COALESCE(notes, ''), created_by, created_at,
       COALESCE(started_at, 'epoch'::timestamptz), COALESCE(completed_at, 'epoch'::timestamptz)
FROM stock_counts WHERE id = $1`, id).Scan(
		&count.ID, &count.Number, &count.Type, &count.Status, &count.LocationID,
		&count.Notes, &count.CreatedBy, &count.CreatedAt, &count.StartedAt, &count.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockCount{}, nil, ErrNotFound
		}
		return StockCount{}, nil, fmt.Errorf("get stock count: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, count_id, product_id, system_qty, counted_qty, counted, difference, result
FROM stock_count_lines WHERE count_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return StockCount{}, nil, fmt.Errorf("list stock count lines: %w", err)
	}
	defer rows.Close()

	var lines []CountLine
	for rows.Next() {
		var l CountLine
		if err := rows.Scan(&l.ID, &l.CountID, &l.ProductID, &l.SystemQty, &l.CountedQty, &l.Counted, &l.Difference, &l.Result); err != nil {
			return StockCount{}, nil, fmt.Errorf("scan stock count line: %w", err)
		}
		lines = append(lines, l)
	}
	return count, lines, rows.Err()
}

// ListCounts returns counts newest first, optionally filtered by status.
func (r *Repository) ListCounts(ctx context.Context, status CountStatus, limit int) ([]StockCount, error) {
	query := `
SELECT id, number, type, status, location_id, COALESCE(notes, ''), created_by, created_at,
       COALESCE(started_at, 'epoch'::timestamptz), COALESCE(completed_at, 'epoch'::timestamptz)
FROM stock_counts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stock counts: %w", err)
	}
	defer rows.Close()

	var counts []StockCount
	for rows.Next() {
		var c StockCount
		if err := rows.Scan(&c.ID, &c.Number, &c.Type, &c.Status, &c.LocationID, &c.Notes,
			&c.CreatedBy, &c.CreatedAt, &c.StartedAt, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan stock count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (t *txRepository) InsertCount(ctx context.Context, count StockCount) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO stock_counts (number, type, status, location_id, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		count.Number, string(count.Type), string(count.Status), count.LocationID,
		count.Notes, count.CreatedBy, count.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert stock count: %w", err)
	}
	return id, nil
}

func (t *txRepository) InsertCountLine(ctx context.Context, line CountLine) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO stock_count_lines (count_id, product_id, system_qty, counted_qty, counted, difference, result)
VALUES ($1, $2, 0, 0, false, 0, $3)`, line.CountID, line.ProductID, string(line.Result))
	if err != nil {
		return fmt.Errorf("insert stock count line: %w", err)
	}
	return nil
}

// GenerateLinesFromStock adds a line for every stock record at the location
// that the count does not already cover.
func (t *txRepository) GenerateLinesFromStock(ctx context.Context, countID, locationID int64) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO stock_count_lines (count_id, product_id, system_qty, counted_qty, counted, difference, result)
SELECT $1, s.product_id, 0, 0, false, 0, 'PENDING'
FROM stock_records s
WHERE s.location_id = $2
  AND NOT EXISTS (
    SELECT 1 FROM stock_count_lines l WHERE l.count_id = $1 AND l.product_id = s.product_id
  )`, countID, locationID)
	if err != nil {
		return fmt.Errorf("generate stock count lines: %w", err)
	}
	return nil
}

// FreezeSystemQty snapshots on-hand quantities into the count lines.
// Products without a stock record keep the zero they were inserted with.
func (t *txRepository) FreezeSystemQty(ctx context.Context, countID, locationID int64) error {
	_, err := t.tx.Exec(ctx, `
UPDATE stock_count_lines l
SET system_qty = s.quantity
FROM stock_records s
WHERE l.count_id = $1 AND s.location_id = $2 AND s.product_id = l.product_id`, countID, locationID)
	if err != nil {
		return fmt.Errorf("freeze system quantities: %w", err)
	}
	return nil
}

func (t *txRepository) UpdateCountLine(ctx context.Context, line CountLine) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE stock_count_lines
SET counted_qty = $3, counted = $4, difference = $5, result = $6
WHERE count_id = $1 AND product_id = $2`,
		line.CountID, line.ProductID, line.CountedQty, line.Counted, line.Difference, string(line.Result))
	if err != nil {
		return fmt.Errorf("update stock count line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimCountStatus moves the count from one status to another in a single
// conditional update. Zero rows means another caller already moved it.
// started_at survives a zero startedAt; completed_at is written as given so
// reopening a count clears it.
func (t *txRepository) ClaimCountStatus(ctx context.Context, countID int64, from, to CountStatus, startedAt, completedAt time.Time) error {
	var started, completed *time.Time
	if !startedAt.IsZero() {
		started = &startedAt
	}
	if !completedAt.IsZero() {
		completed = &completedAt
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE stock_counts
SET status = $3,
    started_at = COALESCE($4, started_at),
    completed_at = $5
WHERE id = $1 AND status = $2`, countID, string(from), string(to), started, completed)
	if err != nil {
		return fmt.Errorf("claim stock count status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock count %d is no longer %s", ErrInvalidState, countID, from)
	}
	return nil
}
