package procurement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryState struct {
	orders   map[int64]PurchaseOrder
	lines    map[int64][]POLine
	receipts map[string]PurchaseReceipt
	nextID   int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		orders:   make(map[int64]PurchaseOrder, len(s.orders)),
		lines:    make(map[int64][]POLine, len(s.lines)),
		receipts: make(map[string]PurchaseReceipt, len(s.receipts)),
		nextID:   s.nextID,
	}
	for id, po := range s.orders {
		c.orders[id] = po
	}
	for id, lines := range s.lines {
		c.lines[id] = append([]POLine(nil), lines...)
	}
	for num, rec := range s.receipts {
		rec.Lines = append([]ReceiptLine(nil), rec.Lines...)
		c.receipts[num] = rec
	}
	return c
}

type memoryRepo struct {
	state *memoryState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: &memoryState{
		orders:   make(map[int64]PurchaseOrder),
		lines:    make(map[int64][]POLine),
		receipts: make(map[string]PurchaseReceipt),
		nextID:   1,
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	staged := r.state.clone()
	if err := fn(ctx, &memoryTx{state: staged}); err != nil {
		return err
	}
	r.state = staged
	return nil
}

func (r *memoryRepo) GetPO(_ context.Context, id int64) (PurchaseOrder, []POLine, error) {
	po, ok := r.state.orders[id]
	if !ok {
		return PurchaseOrder{}, nil, ErrNotFound
	}
	return po, append([]POLine(nil), r.state.lines[id]...), nil
}

func (r *memoryRepo) GetReceiptByNumber(_ context.Context, number string) (PurchaseReceipt, error) {
	rec, ok := r.state.receipts[number]
	if !ok {
		return PurchaseReceipt{}, ErrNotFound
	}
	return rec, nil
}

func (r *memoryRepo) ListPOs(_ context.Context, status POStatus, limit int) ([]PurchaseOrder, error) {
	var out []PurchaseOrder
	for _, po := range r.state.orders {
		if status != "" && po.Status != status {
			continue
		}
		out = append(out, po)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) InsertPO(_ context.Context, po PurchaseOrder) (int64, error) {
	po.ID = t.state.nextID
	t.state.nextID++
	t.state.orders[po.ID] = po
	return po.ID, nil
}

func (t *memoryTx) InsertPOLine(_ context.Context, line POLine) error {
	line.ID = t.state.nextID
	t.state.nextID++
	t.state.lines[line.POID] = append(t.state.lines[line.POID], line)
	return nil
}

func (t *memoryTx) DeletePOLines(_ context.Context, poID int64) error {
	delete(t.state.lines, poID)
	return nil
}

func (t *memoryTx) DeletePO(_ context.Context, poID int64) error {
	if _, ok := t.state.orders[poID]; !ok {
		return ErrNotFound
	}
	delete(t.state.orders, poID)
	return nil
}

func (t *memoryTx) UpdatePOStatus(_ context.Context, poID int64, status POStatus) error {
	po, ok := t.state.orders[poID]
	if !ok {
		return ErrNotFound
	}
	po.Status = status
	t.state.orders[poID] = po
	return nil
}

func (t *memoryTx) SetPOApproval(_ context.Context, poID, approverID int64, at time.Time) error {
	po, ok := t.state.orders[poID]
	if !ok {
		return ErrNotFound
	}
	po.ApprovedBy = approverID
	po.ApprovedAt = at
	t.state.orders[poID] = po
	return nil
}

func (t *memoryTx) InsertReceipt(_ context.Context, receipt PurchaseReceipt) (int64, error) {
	receipt.ID = t.state.nextID
	t.state.nextID++
	t.state.receipts[receipt.Number] = receipt
	return receipt.ID, nil
}

func (t *memoryTx) InsertReceiptLine(_ context.Context, line ReceiptLine) error {
	for num, rec := range t.state.receipts {
		if rec.ID == line.ReceiptID {
			rec.Lines = append(rec.Lines, line)
			t.state.receipts[num] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (t *memoryTx) DeleteReceiptLines(_ context.Context, receiptID int64) error {
	for num, rec := range t.state.receipts {
		if rec.ID == receiptID {
			rec.Lines = nil
			t.state.receipts[num] = rec
			return nil
		}
	}
	return nil
}

func (t *memoryTx) DeleteReceipt(_ context.Context, receiptID int64) error {
	for num, rec := range t.state.receipts {
		if rec.ID == receiptID {
			delete(t.state.receipts, num)
			return nil
		}
	}
	return ErrNotFound
}

func (t *memoryTx) AddReceivedQty(_ context.Context, poID, productID, qty int64) error {
	lines := t.state.lines[poID]
	for i, l := range lines {
		if l.ProductID != productID {
			continue
		}
		if l.ReceivedQty+qty > l.OrderedQty || l.ReceivedQty+qty < 0 {
			return &OverReceiptError{ProductID: productID, Outstanding: l.Outstanding(), Received: qty}
		}
		lines[i].ReceivedQty += qty
		return nil
	}
	return ErrNotFound
}

type fakeInventory struct {
	batches [][]inventory.DeltaRequest
	failErr error
}

func (f *fakeInventory) ApplyBatch(_ context.Context, reqs []inventory.DeltaRequest) ([]inventory.MovementEntry, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.batches = append(f.batches, reqs)
	return nil, nil
}

type fakeIdempotency struct {
	keys map[string]bool
}

func (f *fakeIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdempotency) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *fakeInventory) {
	t.Helper()
	repo := newMemoryRepo()
	inv := &fakeInventory{}
	svc := NewService(repo, inv, &fakeIdempotency{}, nil, nil, nil)
	return svc, repo, inv
}

func orderedPO(t *testing.T, svc *Service, lines ...POLineInput) PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po, err := svc.Create(ctx, CreatePOInput{SupplierID: 3, Lines: lines, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, svc.Submit(ctx, po.ID, 9))
	require.NoError(t, svc.Approve(ctx, po.ID, 10))
	require.NoError(t, svc.MarkOrdered(ctx, po.ID, 9))
	return po
}

func TestReceivePartialThenComplete(t *testing.T) {
	svc, repo, inv := newTestService(t)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 10, Price: 2.5})

	_, err := svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 6, AcceptedQty: 6}},
	})
	require.NoError(t, err)

	got, lines, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartial, got.Status)
	require.Equal(t, int64(6), lines[0].ReceivedQty)

	require.Len(t, inv.batches, 1)
	require.Len(t, inv.batches[0], 1)
	delta := inv.batches[0][0]
	require.Equal(t, inventory.MovementIn, delta.Type)
	require.Equal(t, int64(6), delta.Delta)
	require.Equal(t, inventory.RefPurchaseReceipt, delta.Reference.Type)
	require.Equal(t, "R1", delta.Reference.ID)

	_, err = svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R2", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 4, AcceptedQty: 4}},
	})
	require.NoError(t, err)

	got, lines, err = repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusCompleted, got.Status)
	require.Equal(t, int64(10), lines[0].ReceivedQty)
	require.Len(t, inv.batches, 2)
}

func TestReceiveOverReceiptRejected(t *testing.T) {
	svc, repo, inv := newTestService(t)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 10})

	_, err := svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 12, AcceptedQty: 12}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrOverReceipt)

	var overReceipt *OverReceiptError
	require.ErrorAs(t, err, &overReceipt)
	require.Equal(t, int64(10), overReceipt.Outstanding)
	require.Equal(t, int64(12), overReceipt.Received)

	got, lines, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusOrdered, got.Status)
	require.Equal(t, int64(0), lines[0].ReceivedQty)
	require.Empty(t, inv.batches)
}

func TestReceiveReplayReturnsStoredReceipt(t *testing.T) {
	svc, repo, inv := newTestService(t)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 10})

	input := ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 6, AcceptedQty: 6}},
	}
	first, err := svc.Receive(ctx, input)
	require.NoError(t, err)

	replay, err := svc.Receive(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)
	require.Equal(t, first.Number, replay.Number)

	_, lines, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6), lines[0].ReceivedQty)
	require.Len(t, inv.batches, 1)
}

func TestReceiveAcceptedRejectedSplit(t *testing.T) {
	svc, repo, inv := newTestService(t)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 10})

	receipt, err := svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 6, AcceptedQty: 4, RejectedQty: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), receipt.Lines[0].AcceptedQty)
	require.Equal(t, int64(2), receipt.Lines[0].RejectedQty)

	_, lines, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), lines[0].ReceivedQty)

	require.Len(t, inv.batches, 1)
	require.Equal(t, int64(4), inv.batches[0][0].Delta)
}

func TestReceiveSplitMustBalance(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 10})

	_, err := svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 6, AcceptedQty: 3, RejectedQty: 2}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestReceiveRequiresReceivableStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	po, err := svc.Create(ctx, CreatePOInput{
		SupplierID: 3,
		Lines:      []POLineInput{{ProductID: 1, OrderedQty: 10}},
		ActorID:    9,
	})
	require.NoError(t, err)

	_, err = svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 6, AcceptedQty: 6}},
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestTransitionTable(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	po, err := svc.Create(ctx, CreatePOInput{
		SupplierID: 3,
		Lines:      []POLineInput{{ProductID: 1, OrderedQty: 10}},
		ActorID:    9,
	})
	require.NoError(t, err)

	// Approving a draft skips PENDING and must fail.
	require.ErrorIs(t, svc.Approve(ctx, po.ID, 10), ErrInvalidState)
	require.ErrorIs(t, svc.MarkOrdered(ctx, po.ID, 9), ErrInvalidState)

	require.NoError(t, svc.Submit(ctx, po.ID, 9))
	require.ErrorIs(t, svc.Submit(ctx, po.ID, 9), ErrInvalidState)

	require.NoError(t, svc.Approve(ctx, po.ID, 10))
	got, _, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusApproved, got.Status)
	require.Equal(t, int64(10), got.ApprovedBy)

	require.NoError(t, svc.MarkOrdered(ctx, po.ID, 9))
	require.NoError(t, svc.Cancel(ctx, po.ID, 9, "supplier discontinued"))

	got, _, err = repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusCancelled, got.Status)
	require.ErrorIs(t, svc.Cancel(ctx, po.ID, 9, ""), ErrInvalidState)
}

func TestCancelBlockedWhenCompleted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 5})

	_, err := svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 5, AcceptedQty: 5}},
	})
	require.NoError(t, err)
	require.ErrorIs(t, svc.Cancel(ctx, po.ID, 9, ""), ErrInvalidState)
}

func TestUpdateLinesDraftOnly(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	po, err := svc.Create(ctx, CreatePOInput{
		SupplierID: 3,
		Lines:      []POLineInput{{ProductID: 1, OrderedQty: 10}},
		ActorID:    9,
	})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateLines(ctx, po.ID, []POLineInput{
		{ProductID: 1, OrderedQty: 20},
		{ProductID: 2, OrderedQty: 3},
	}, 9))

	_, lines, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, int64(20), lines[0].OrderedQty)

	require.NoError(t, svc.Submit(ctx, po.ID, 9))
	err = svc.UpdateLines(ctx, po.ID, []POLineInput{{ProductID: 1, OrderedQty: 1}}, 9)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDeleteOnlyDraftOrCancelled(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	po, err := svc.Create(ctx, CreatePOInput{
		SupplierID: 3,
		Lines:      []POLineInput{{ProductID: 1, OrderedQty: 10}},
		ActorID:    9,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Submit(ctx, po.ID, 9))
	require.ErrorIs(t, svc.Delete(ctx, po.ID, 9), ErrInvalidState)

	require.NoError(t, svc.Cancel(ctx, po.ID, 9, "duplicate"))
	require.NoError(t, svc.Delete(ctx, po.ID, 9))

	_, _, err = repo.GetPO(ctx, po.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreatePOInput{SupplierID: 3, ActorID: 9})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreatePOInput{
		SupplierID: 3,
		Lines:      []POLineInput{{ProductID: 1, OrderedQty: 0}},
		ActorID:    9,
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreatePOInput{
		SupplierID: 3,
		Lines: []POLineInput{
			{ProductID: 1, OrderedQty: 5},
			{ProductID: 1, OrderedQty: 2},
		},
		ActorID: 9,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestReceiveStockFailureUnwindsReceipt(t *testing.T) {
	repo := newMemoryRepo()
	inv := &fakeInventory{}
	idem := &fakeIdempotency{}
	svc := NewService(repo, inv, idem, nil, nil, nil)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 10})

	input := ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 1, ReceivedQty: 6, AcceptedQty: 6}},
	}
	inv.failErr = errors.New("ledger unavailable")
	_, err := svc.Receive(ctx, input)
	require.Error(t, err)

	// Receipt, received quantities and status all roll back, and the
	// idempotency key is released so the receipt id can be retried.
	got, lines, err := repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusOrdered, got.Status)
	require.Equal(t, int64(0), lines[0].ReceivedQty)

	_, err = repo.GetReceiptByNumber(ctx, "R1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, idem.keys)

	inv.failErr = nil
	receipt, err := svc.Receive(ctx, input)
	require.NoError(t, err)
	require.Len(t, receipt.Lines, 1)
	require.Len(t, inv.batches, 1)
	require.Equal(t, int64(6), inv.batches[0][0].Delta)

	got, lines, err = repo.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartial, got.Status)
	require.Equal(t, int64(6), lines[0].ReceivedQty)
}

func TestReceiveUnknownProductRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	po := orderedPO(t, svc, POLineInput{ProductID: 1, OrderedQty: 10})

	_, err := svc.Receive(ctx, ReceiveInput{
		POID: po.ID, ReceiptID: "R1", LocationID: 5, ActorID: 9,
		Lines: []ReceiveLineInput{{ProductID: 99, ReceivedQty: 1, AcceptedQty: 1}},
	})
	require.ErrorIs(t, err, ErrValidation)
}
