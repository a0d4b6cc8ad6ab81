package goodsissue

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

// TxRepository exposes goods issue writes inside one transaction.
type TxRepository interface {
	InsertIssue(ctx context.Context, issue GoodsIssue) (int64, error)
	InsertIssueLine(ctx context.Context, line IssueLine) error
	ClaimIssueStatus(ctx context.Context, issueID int64, from, to IssueStatus, completedAt time.Time) error
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

// GetIssue loads the issue header and lines.
func (r *Repository) GetIssue(ctx context.Context, id int64) (GoodsIssue, []IssueLine, error) {
	var issue GoodsIssue
	err := r.pool.QueryRow(ctx, `
SELECT id, number, type, status, location_id, COALESCE(issued_to, ''), COALESCE(notes, ''), created_by, created_at, COALESCE(completed_at, 'epoch'::timestamptz)
FROM goods_issues WHERE id = $1`, id).Scan(
		&issue.ID, &issue.Number, &issue.Type, &issue.Status, &issue.LocationID,
		&issue.IssuedTo, &issue.Notes, &issue.CreatedBy, &issue.CreatedAt, &issue.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsIssue{}, nil, ErrNotFound
		}
		return GoodsIssue{}, nil, fmt.Errorf("get goods issue: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, issue_id, product_id, quantity
FROM goods_issue_lines WHERE issue_id = $1 ORDER BY id`, id)
	if err != nil {
		return GoodsIssue{}, nil, fmt.Errorf("list goods issue lines: %w", err)
	}
	defer rows.Close()

	var lines []IssueLine
	for rows.Next() {
		var l IssueLine
		if err := rows.Scan(&l.ID, &l.IssueID, &l.ProductID, &l.Quantity); err != nil {
			return GoodsIssue{}, nil, fmt.Errorf("scan goods issue line: %w", err)
		}
		lines = append(lines, l)
	}
	return issue, lines, rows.Err()
}

// ListIssues returns issues newest first, optionally filtered by status.
func (r *Repository) ListIssues(ctx context.Context, status IssueStatus, limit int) ([]GoodsIssue, error) {
	query := `
SELECT id, number, type, status, location_id, COALESCE(issued_to, ''), COALESCE(notes, ''), created_by, created_at, COALESCE(completed_at, 'epoch'::timestamptz)
FROM goods_issues`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goods issues: %w", err)
	}
	defer rows.Close()

	var issues []GoodsIssue
	for rows.Next() {
		var issue GoodsIssue
		if err := rows.Scan(&issue.ID, &issue.Number, &issue.Type, &issue.Status, &issue.LocationID,
			&issue.IssuedTo, &issue.Notes, &issue.CreatedBy, &issue.CreatedAt, &issue.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan goods issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (t *txRepository) InsertIssue(ctx context.Context, issue GoodsIssue) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO goods_issues (number, type, status, location_id, issued_to, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		issue.Number, string(issue.Type), string(issue.Status), issue.LocationID,
		issue.IssuedTo, issue.Notes, issue.CreatedBy, issue.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert goods issue: %w", err)
	}
	return id, nil
}

func (t *txRepository) InsertIssueLine(ctx context.Context, line IssueLine) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO goods_issue_lines (issue_id, product_id, quantity)
VALUES ($1, $2, $3)`, line.IssueID, line.ProductID, line.Quantity)
	if err != nil {
		return fmt.Errorf("insert goods issue line: %w", err)
	}
	return nil
}

// ClaimIssueStatus moves the issue from one status to another in a single
// conditional update. Zero rows means another caller already moved it.
func (t *txRepository) ClaimIssueStatus(ctx context.Context, issueID int64, from, to IssueStatus, completedAt time.Time) error {
	var at *time.Time
	if !completedAt.IsZero() {
		at = &completedAt
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE goods_issues SET status = $3, completed_at = $4 WHERE id = $1 AND status = $2`,
		issueID, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("claim goods issue status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: goods issue %d is no longer %s", ErrInvalidState, issueID, from)
	}
	return nil
}
