package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts persistence for the purchase order workflow.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error)
	GetReceiptByNumber(ctx context.Context, number string) (PurchaseReceipt, error)
	ListPOs(ctx context.Context, status POStatus, limit int) ([]PurchaseOrder, error)
}

// InventoryPort is the slice of the stock mutator the receiving processor
// needs. All stock writes go through it.
type InventoryPort interface {
	ApplyBatch(ctx context.Context, reqs []inventory.DeltaRequest) ([]inventory.MovementEntry, error)
}

// IdempotencyPort guards receipt replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort records workflow actions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// approvalRef derives a stable uuid for the approvals table from the
// purchase order id.
func approvalRef(poID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("purchase_order:%d", poID)))
}

// Service drives the purchase order workflow and receiving processor.
type Service struct {
	repo        RepositoryPort
	inventory   InventoryPort
	idempotency IdempotencyPort
	approvals   *shared.ApprovalRecorder
	audit       AuditPort
	numbers     shared.DocumentNumbers
}

func NewService(repo RepositoryPort, inv InventoryPort, idem IdempotencyPort, approvals *shared.ApprovalRecorder, audit AuditPort, numbers shared.DocumentNumbers) *Service {
	if numbers == nil {
		numbers = shared.TimestampNumbers{}
	}
	return &Service{repo: repo, inventory: inv, idempotency: idem, approvals: approvals, audit: audit, numbers: numbers}
}

// CreatePOInput creates a draft purchase order.
type CreatePOInput struct {
	SupplierID int64
	ExpectedAt time.Time
	Notes      string
	Lines      []POLineInput
	ActorID    int64
}

// POLineInput is one requested line.
type POLineInput struct {
	ProductID  int64
	OrderedQty int64
	Price      float64
	Notes      string
}

func validateLines(lines []POLineInput) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrValidation)
	}
	seen := make(map[int64]bool, len(lines))
	for _, l := range lines {
		if l.ProductID <= 0 {
			return fmt.Errorf("%w: product id is required", ErrValidation)
		}
		if l.OrderedQty <= 0 {
			return fmt.Errorf("%w: ordered quantity must be positive", ErrValidation)
		}
		if l.Price < 0 {
			return fmt.Errorf("%w: price must not be negative", ErrValidation)
		}
		if seen[l.ProductID] {
			return fmt.Errorf("%w: duplicate product %d", ErrValidation, l.ProductID)
		}
		seen[l.ProductID] = true
	}
	return nil
}

// Create stores a new purchase order in DRAFT.
func (s *Service) Create(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if input.SupplierID <= 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: supplier id is required", ErrValidation)
	}
	if err := validateLines(input.Lines); err != nil {
		return PurchaseOrder{}, err
	}

	po := PurchaseOrder{
		Number:     s.numbers.Next("PO"),
		SupplierID: input.SupplierID,
		Status:     POStatusDraft,
		ExpectedAt: input.ExpectedAt,
		Notes:      input.Notes,
		CreatedBy:  input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertPO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, l := range input.Lines {
			if err := tx.InsertPOLine(ctx, POLine{
				POID:       id,
				ProductID:  l.ProductID,
				OrderedQty: l.OrderedQty,
				Price:      l.Price,
				Notes:      l.Notes,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "po.create", po.ID, map[string]any{"number": po.Number})
	return po, nil
}

// UpdateLines replaces the line set. Allowed only while the order is DRAFT.
func (s *Service) UpdateLines(ctx context.Context, poID int64, lines []POLineInput, actorID int64) error {
	if err := validateLines(lines); err != nil {
		return err
	}
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != POStatusDraft {
		return fmt.Errorf("%w: lines can only change in %s", ErrInvalidState, POStatusDraft)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeletePOLines(ctx, poID); err != nil {
			return err
		}
		for _, l := range lines {
			if err := tx.InsertPOLine(ctx, POLine{
				POID:       poID,
				ProductID:  l.ProductID,
				OrderedQty: l.OrderedQty,
				Price:      l.Price,
				Notes:      l.Notes,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "po.update_lines", poID, map[string]any{"lines": len(lines)})
	return nil
}

// Submit moves DRAFT to PENDING.
func (s *Service) Submit(ctx context.Context, poID, actorID int64) error {
	return s.transition(ctx, poID, actorID, POStatusPending, "po.submit", func(ctx context.Context, po PurchaseOrder) error {
		if s.approvals != nil {
			return s.approvals.EnsureSubmit(ctx, "purchase_order", approvalRef(po.ID), actorID, "")
		}
		return nil
	})
}

// Approve moves PENDING to APPROVED and stamps the approver.
func (s *Service) Approve(ctx context.Context, poID, actorID int64) error {
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if !po.Status.CanTransitionTo(POStatusApproved) {
		return fmt.Errorf("%w: cannot approve from %s", ErrInvalidState, po.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetPOApproval(ctx, poID, actorID, time.Now().UTC()); err != nil {
			return err
		}
		return tx.UpdatePOStatus(ctx, poID, POStatusApproved)
	})
	if err != nil {
		return err
	}
	if s.approvals != nil {
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  "purchase_order",
			RefID:   approvalRef(poID),
			ActorID: actorID,
			Action:  shared.ApprovalApprove,
		}); err != nil {
			return err
		}
	}
	s.recordAudit(ctx, actorID, "po.approve", poID, nil)
	return nil
}

// MarkOrdered moves APPROVED to ORDERED once the order is placed with the
// supplier.
func (s *Service) MarkOrdered(ctx context.Context, poID, actorID int64) error {
	return s.transition(ctx, poID, actorID, POStatusOrdered, "po.mark_ordered", nil)
}

// Cancel aborts the order. Allowed from every non-terminal status.
func (s *Service) Cancel(ctx context.Context, poID, actorID int64, reason string) error {
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if !po.Status.CanTransitionTo(POStatusCancelled) {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, po.Status)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePOStatus(ctx, poID, POStatusCancelled)
	})
	if err != nil {
		return err
	}
	if s.approvals != nil {
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  "purchase_order",
			RefID:   approvalRef(poID),
			ActorID: actorID,
			Action:  shared.ApprovalReject,
			Note:    reason,
		}); err != nil {
			return err
		}
	}
	s.recordAudit(ctx, actorID, "po.cancel", poID, map[string]any{"reason": reason})
	return nil
}

// Delete removes the order. Only DRAFT and CANCELLED orders may be deleted;
// anything that ever touched stock stays for the audit trail.
func (s *Service) Delete(ctx context.Context, poID, actorID int64) error {
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != POStatusDraft && po.Status != POStatusCancelled {
		return fmt.Errorf("%w: only %s or %s orders can be deleted", ErrInvalidState, POStatusDraft, POStatusCancelled)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeletePOLines(ctx, poID); err != nil {
			return err
		}
		return tx.DeletePO(ctx, poID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "po.delete", poID, nil)
	return nil
}

// Get returns the order with its lines.
func (s *Service) Get(ctx context.Context, poID int64) (PurchaseOrder, []POLine, error) {
	return s.repo.GetPO(ctx, poID)
}

// List returns orders, optionally filtered by status.
func (s *Service) List(ctx context.Context, status POStatus, limit int) ([]PurchaseOrder, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListPOs(ctx, status, limit)
}

func (s *Service) transition(ctx context.Context, poID, actorID int64, target POStatus, action string, hook func(context.Context, PurchaseOrder) error) error {
	po, _, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if !po.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, po.Status, target)
	}
	if hook != nil {
		if err := hook(ctx, po); err != nil {
			return err
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdatePOStatus(ctx, poID, target)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, action, poID, map[string]any{"status": string(target)})
	return nil
}

// ReceiveInput describes one inbound receipt against an order. ReceiptID is
// the caller's idempotency key.
type ReceiveInput struct {
	POID       int64
	ReceiptID  string
	LocationID int64
	ReceivedAt time.Time
	Notes      string
	Lines      []ReceiveLineInput
	ActorID    int64
}

// ReceiveLineInput reports received, accepted and rejected quantities for
// one product. Accepted plus rejected must equal received.
type ReceiveLineInput struct {
	ProductID   int64
	ReceivedQty int64
	AcceptedQty int64
	RejectedQty int64
}

// Receive posts a receipt: validates split quantities against the order,
// guards over-receipt per line, stores the receipt, bumps received
// quantities by the accepted amount, recomputes the order status, and moves
// accepted stock in through the inventory mutator. Replaying the same
// receipt id returns the stored receipt unchanged.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (PurchaseReceipt, error) {
	if input.ReceiptID == "" {
		return PurchaseReceipt{}, fmt.Errorf("%w: receipt id is required", ErrValidation)
	}
	if input.LocationID <= 0 {
		return PurchaseReceipt{}, fmt.Errorf("%w: location id is required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return PurchaseReceipt{}, fmt.Errorf("%w: at least one receipt line is required", ErrValidation)
	}
	for _, l := range input.Lines {
		if l.ProductID <= 0 {
			return PurchaseReceipt{}, fmt.Errorf("%w: product id is required", ErrValidation)
		}
		if l.ReceivedQty <= 0 || l.AcceptedQty < 0 || l.RejectedQty < 0 {
			return PurchaseReceipt{}, fmt.Errorf("%w: negative or zero quantities on product %d", ErrValidation, l.ProductID)
		}
		if l.AcceptedQty+l.RejectedQty != l.ReceivedQty {
			return PurchaseReceipt{}, fmt.Errorf("%w: accepted plus rejected must equal received for product %d", ErrValidation, l.ProductID)
		}
	}

	// The idempotency gate comes before any stateful checks: a replayed
	// receipt id returns the stored receipt even when the order has since
	// moved on (completed lines would otherwise trip the over-receipt guard).
	idemKey := "RECEIPT:" + input.ReceiptID
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "procurement"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return s.repo.GetReceiptByNumber(ctx, input.ReceiptID)
			}
			return PurchaseReceipt{}, err
		}
	}
	fail := func(err error) (PurchaseReceipt, error) {
		if s.idempotency != nil {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return PurchaseReceipt{}, err
	}

	po, poLines, err := s.repo.GetPO(ctx, input.POID)
	if err != nil {
		return fail(err)
	}
	if !po.Status.CanReceive() {
		return fail(fmt.Errorf("%w: cannot receive in %s", ErrInvalidState, po.Status))
	}

	byProduct := make(map[int64]POLine, len(poLines))
	for _, l := range poLines {
		byProduct[l.ProductID] = l
	}
	for _, l := range input.Lines {
		poLine, ok := byProduct[l.ProductID]
		if !ok {
			return fail(fmt.Errorf("%w: product %d is not on the order", ErrValidation, l.ProductID))
		}
		if l.AcceptedQty > poLine.Outstanding() {
			return fail(&OverReceiptError{
				ProductID:   l.ProductID,
				Outstanding: poLine.Outstanding(),
				Received:    l.AcceptedQty,
			})
		}
	}

	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	receipt := PurchaseReceipt{
		Number:     input.ReceiptID,
		POID:       input.POID,
		LocationID: input.LocationID,
		ReceivedAt: receivedAt,
		Notes:      input.Notes,
	}

	finalStatus := po.Status
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = id

		totalReceived := int64(0)
		for _, l := range poLines {
			totalReceived += l.ReceivedQty
		}
		for _, l := range input.Lines {
			poLine := byProduct[l.ProductID]
			line := ReceiptLine{
				ReceiptID:   id,
				ProductID:   l.ProductID,
				ExpectedQty: poLine.Outstanding(),
				ReceivedQty: l.ReceivedQty,
				AcceptedQty: l.AcceptedQty,
				RejectedQty: l.RejectedQty,
			}
			if err := tx.InsertReceiptLine(ctx, line); err != nil {
				return err
			}
			receipt.Lines = append(receipt.Lines, line)
			if l.AcceptedQty > 0 {
				if err := tx.AddReceivedQty(ctx, input.POID, l.ProductID, l.AcceptedQty); err != nil {
					return err
				}
				poLine.ReceivedQty += l.AcceptedQty
				byProduct[l.ProductID] = poLine
				totalReceived += l.AcceptedQty
			}
		}

		allFull := true
		for _, l := range byProduct {
			if !l.FullyReceived() {
				allFull = false
				break
			}
		}
		next := po.Status
		switch {
		case allFull:
			next = POStatusCompleted
		case totalReceived > 0:
			next = POStatusPartial
		}
		if next != po.Status {
			if err := tx.UpdatePOStatus(ctx, input.POID, next); err != nil {
				return err
			}
		}
		finalStatus = next
		return nil
	})
	if err != nil {
		return fail(err)
	}

	var deltas []inventory.DeltaRequest
	for _, l := range receipt.Lines {
		if l.AcceptedQty == 0 {
			continue
		}
		deltas = append(deltas, inventory.DeltaRequest{
			ProductID:  l.ProductID,
			LocationID: input.LocationID,
			Type:       inventory.MovementIn,
			Delta:      l.AcceptedQty,
			Reference:  inventory.Reference{Type: inventory.RefPurchaseReceipt, ID: input.ReceiptID},
			Reason:     "purchase receipt",
			ActorID:    input.ActorID,
		})
	}
	if len(deltas) > 0 {
		if _, err := s.inventory.ApplyBatch(ctx, deltas); err != nil {
			// No stock moved. Unwind the committed receipt and release the
			// idempotency key so a retried receipt id posts from scratch.
			compErr := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				if err := tx.DeleteReceiptLines(ctx, receipt.ID); err != nil {
					return err
				}
				if err := tx.DeleteReceipt(ctx, receipt.ID); err != nil {
					return err
				}
				for _, l := range receipt.Lines {
					if l.AcceptedQty == 0 {
						continue
					}
					if err := tx.AddReceivedQty(ctx, input.POID, l.ProductID, -l.AcceptedQty); err != nil {
						return err
					}
				}
				if finalStatus != po.Status {
					return tx.UpdatePOStatus(ctx, input.POID, po.Status)
				}
				return nil
			})
			if compErr != nil {
				err = errors.Join(err, compErr)
			}
			return fail(fmt.Errorf("apply receipt stock: %w", err))
		}
	}

	s.recordAudit(ctx, input.ActorID, "po.receive", input.POID, map[string]any{
		"receipt_id": input.ReceiptID,
		"lines":      len(receipt.Lines),
	})
	return receipt, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
