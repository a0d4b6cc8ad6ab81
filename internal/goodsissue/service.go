package goodsissue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts persistence for goods issues.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	GetIssue(ctx context.Context, id int64) (GoodsIssue, []IssueLine, error)
	ListIssues(ctx context.Context, status IssueStatus, limit int) ([]GoodsIssue, error)
}

// InventoryPort is the stock mutator slice goods issues need.
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

// Service drives the goods issue workflow.
type Service struct {
	repo        RepositoryPort
	inventory   InventoryPort
	idempotency IdempotencyPort
	audit       AuditPort
	numbers     shared.DocumentNumbers
}

func NewService(repo RepositoryPort, inv InventoryPort, idem IdempotencyPort, audit AuditPort, numbers shared.DocumentNumbers) *Service {
	if numbers == nil {
		numbers = shared.TimestampNumbers{}
	}
	return &Service{repo: repo, inventory: inv, idempotency: idem, audit: audit, numbers: numbers}
}

// CreateInput creates a pending goods issue.
type CreateInput struct {
	Type       IssueType
	LocationID int64
	IssuedTo   string
	Notes      string
	Lines      []LineInput
	ActorID    int64
}

// LineInput is one requested product and quantity.
type LineInput struct {
	ProductID int64
	Quantity  int64
}

// Create stores a new goods issue in PENDING. No stock moves yet.
func (s *Service) Create(ctx context.Context, input CreateInput) (GoodsIssue, error) {
	if !input.Type.Valid() {
		return GoodsIssue{}, fmt.Errorf("%w: unknown issue type %q", ErrValidation, input.Type)
	}
	if input.LocationID <= 0 {
		return GoodsIssue{}, fmt.Errorf("%w: location id is required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return GoodsIssue{}, fmt.Errorf("%w: at least one line is required", ErrValidation)
	}
	seen := make(map[int64]bool, len(input.Lines))
	for _, l := range input.Lines {
		if l.ProductID <= 0 {
			return GoodsIssue{}, fmt.Errorf("%w: product id is required", ErrValidation)
		}
		if l.Quantity <= 0 {
			return GoodsIssue{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
		}
		if seen[l.ProductID] {
			return GoodsIssue{}, fmt.Errorf("%w: duplicate product %d", ErrValidation, l.ProductID)
		}
		seen[l.ProductID] = true
	}

	issue := GoodsIssue{
		Number:     s.numbers.Next("GI"),
		Type:       input.Type,
		Status:     IssueStatusPending,
		LocationID: input.LocationID,
		IssuedTo:   input.IssuedTo,
		Notes:      input.Notes,
		CreatedBy:  input.ActorID,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertIssue(ctx, issue)
		if err != nil {
			return err
		}
		issue.ID = id
		for _, l := range input.Lines {
			if err := tx.InsertIssueLine(ctx, IssueLine{IssueID: id, ProductID: l.ProductID, Quantity: l.Quantity}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GoodsIssue{}, err
	}
	s.recordAudit(ctx, input.ActorID, "goods_issue.create", issue.ID, map[string]any{"number": issue.Number, "type": string(issue.Type)})
	return issue, nil
}

// Complete issues the stock: every line becomes an OUT movement in one
// batch, so a shortfall on any line leaves all stock untouched and the
// issue stays PENDING. The PENDING to COMPLETED transition is claimed with
// a conditional update before any stock moves; concurrent or replayed
// completions lose the claim instead of deducting the lines twice.
func (s *Service) Complete(ctx context.Context, issueID, actorID int64) error {
	issue, lines, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.Status != IssueStatusPending {
		return fmt.Errorf("%w: cannot complete from %s", ErrInvalidState, issue.Status)
	}

	key := fmt.Sprintf("GI:%s", issue.Number)
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "goodsissue"); err != nil {
			return err
		}
		inserted = true
	}
	release := func(err error) error {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return err
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ClaimIssueStatus(ctx, issueID, IssueStatusPending, IssueStatusCompleted, time.Now().UTC())
	})
	if err != nil {
		return release(err)
	}

	reason := "goods issue"
	if issue.Type == IssueTypeDamage {
		reason = "goods issue (damage write-off)"
	}
	deltas := make([]inventory.DeltaRequest, 0, len(lines))
	for _, l := range lines {
		deltas = append(deltas, inventory.DeltaRequest{
			ProductID:  l.ProductID,
			LocationID: issue.LocationID,
			Type:       inventory.MovementOut,
			Delta:      -l.Quantity,
			Reference:  inventory.Reference{Type: inventory.RefGoodsIssue, ID: strconv.FormatInt(issue.ID, 10)},
			Reason:     reason,
			ActorID:    actorID,
		})
	}
	if _, err := s.inventory.ApplyBatch(ctx, deltas); err != nil {
		// No stock moved; hand the issue back to PENDING for a retry.
		revertErr := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.ClaimIssueStatus(ctx, issueID, IssueStatusCompleted, IssueStatusPending, time.Time{})
		})
		if revertErr != nil {
			err = errors.Join(err, revertErr)
		}
		return release(err)
	}

	s.recordAudit(ctx, actorID, "goods_issue.complete", issueID, map[string]any{"lines": len(lines)})
	return nil
}

// Cancel aborts a pending issue. Completed issues are immutable.
func (s *Service) Cancel(ctx context.Context, issueID, actorID int64) error {
	issue, _, err := s.repo.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.Status != IssueStatusPending {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, issue.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ClaimIssueStatus(ctx, issueID, IssueStatusPending, IssueStatusCancelled, time.Time{})
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "goods_issue.cancel", issueID, nil)
	return nil
}

// Get returns the issue with its lines.
func (s *Service) Get(ctx context.Context, issueID int64) (GoodsIssue, []IssueLine, error) {
	return s.repo.GetIssue(ctx, issueID)
}

// List returns issues, optionally filtered by status.
func (s *Service) List(ctx context.Context, status IssueStatus, limit int) ([]GoodsIssue, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListIssues(ctx, status, limit)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "goods_issue",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
}
