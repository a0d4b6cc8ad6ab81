package stockcount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	counts map[int64]StockCount
	lines  map[int64][]CountLine
	stock  map[int64]int64
	nextID int64
}

func newMemoryRepo(stock map[int64]int64) *memoryRepo {
	if stock == nil {
		stock = make(map[int64]int64)
	}
	return &memoryRepo{
		counts: make(map[int64]StockCount),
		lines:  make(map[int64][]CountLine),
		stock:  stock,
		nextID: 1,
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) GetCount(_ context.Context, id int64) (StockCount, []CountLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, ok := r.counts[id]
	if !ok {
		return StockCount{}, nil, ErrNotFound
	}
	return count, append([]CountLine(nil), r.lines[id]...), nil
}

func (r *memoryRepo) ListCounts(_ context.Context, status CountStatus, limit int) ([]StockCount, error) {
	var out []StockCount
	for _, c := range r.counts {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) InsertCount(_ context.Context, count StockCount) (int64, error) {
	count.ID = r.nextID
	r.nextID++
	r.counts[count.ID] = count
	return count.ID, nil
}

func (r *memoryRepo) InsertCountLine(_ context.Context, line CountLine) error {
	line.ID = r.nextID
	r.nextID++
	r.lines[line.CountID] = append(r.lines[line.CountID], line)
	return nil
}

func (r *memoryRepo) GenerateLinesFromStock(_ context.Context, countID, _ int64) error {
	existing := make(map[int64]bool)
	for _, l := range r.lines[countID] {
		existing[l.ProductID] = true
	}
	var products []int64
	for productID := range r.stock {
		if !existing[productID] {
			products = append(products, productID)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i] < products[j] })
	for _, productID := range products {
		r.lines[countID] = append(r.lines[countID], CountLine{
			ID:        r.nextID,
			CountID:   countID,
			ProductID: productID,
			Result:    LineResultPending,
		})
		r.nextID++
	}
	return nil
}

func (r *memoryRepo) FreezeSystemQty(_ context.Context, countID, _ int64) error {
	lines := r.lines[countID]
	for i, l := range lines {
		if qty, ok := r.stock[l.ProductID]; ok {
			lines[i].SystemQty = qty
		}
	}
	return nil
}

func (r *memoryRepo) UpdateCountLine(_ context.Context, line CountLine) error {
	lines := r.lines[line.CountID]
	for i, l := range lines {
		if l.ProductID == line.ProductID {
			line.ID = l.ID
			lines[i] = line
			return nil
		}
	}
	return ErrNotFound
}

func (r *memoryRepo) ClaimCountStatus(_ context.Context, countID int64, from, to CountStatus, startedAt, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, ok := r.counts[countID]
	if !ok {
		return ErrNotFound
	}
	if count.Status != from {
		return fmt.Errorf("%w: stock count %d is no longer %s", ErrInvalidState, countID, from)
	}
	count.Status = to
	if !startedAt.IsZero() {
		count.StartedAt = startedAt
	}
	count.CompletedAt = completedAt
	r.counts[countID] = count
	return nil
}

type fakeInventory struct {
	mu      sync.Mutex
	batches [][]inventory.DeltaRequest
	failErr error
}

func (f *fakeInventory) ApplyBatch(_ context.Context, reqs []inventory.DeltaRequest) ([]inventory.MovementEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func newTestReconciler(t *testing.T, stock map[int64]int64) (*Reconciler, *memoryRepo, *fakeInventory) {
	t.Helper()
	repo := newMemoryRepo(stock)
	inv := &fakeInventory{}
	return NewReconciler(repo, inv, nil, nil, nil), repo, inv
}

func TestShortageAdjustsDown(t *testing.T) {
	rec, repo, inv := newTestReconciler(t, map[int64]int64{1: 100})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))

	line, err := rec.RecordActual(ctx, count.ID, 1, 80, 9)
	require.NoError(t, err)
	require.Equal(t, int64(100), line.SystemQty)
	require.Equal(t, int64(-20), line.Difference)
	require.Equal(t, LineResultShortage, line.Result)

	require.NoError(t, rec.Complete(ctx, count.ID, true, 9))

	got, _, err := repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Equal(t, CountStatusCompleted, got.Status)

	require.Len(t, inv.batches, 1)
	delta := inv.batches[0][0]
	require.Equal(t, inventory.MovementAdjust, delta.Type)
	require.Equal(t, int64(-20), delta.Delta)
	require.Equal(t, inventory.RefStockCount, delta.Reference.Type)
}

func TestSurplusAndMatchResults(t *testing.T) {
	rec, _, inv := newTestReconciler(t, map[int64]int64{1: 10, 2: 5})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1, 2}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))

	line, err := rec.RecordActual(ctx, count.ID, 1, 13, 9)
	require.NoError(t, err)
	require.Equal(t, LineResultSurplus, line.Result)
	require.Equal(t, int64(3), line.Difference)

	line, err = rec.RecordActual(ctx, count.ID, 2, 5, 9)
	require.NoError(t, err)
	require.Equal(t, LineResultMatch, line.Result)
	require.Equal(t, int64(0), line.Difference)

	require.NoError(t, rec.Complete(ctx, count.ID, true, 9))

	// Only the surplus becomes a movement; matches adjust nothing.
	require.Len(t, inv.batches, 1)
	require.Len(t, inv.batches[0], 1)
	require.Equal(t, int64(3), inv.batches[0][0].Delta)
}

func TestCompleteWithoutApplyReportsOnly(t *testing.T) {
	rec, repo, inv := newTestReconciler(t, map[int64]int64{1: 10})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeSpot, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))

	_, err = rec.RecordActual(ctx, count.ID, 1, 4, 9)
	require.NoError(t, err)
	require.NoError(t, rec.Complete(ctx, count.ID, false, 9))

	require.Empty(t, inv.batches)
	_, lines, err := repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Equal(t, int64(-6), lines[0].Difference)
	require.Equal(t, LineResultShortage, lines[0].Result)
}

func TestFullCountGeneratesLinesOnStart(t *testing.T) {
	rec, repo, _ := newTestReconciler(t, map[int64]int64{1: 10, 2: 0, 3: 7})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeFull, LocationID: 5, ActorID: 9})
	require.NoError(t, err)

	_, lines, err := repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Empty(t, lines)

	require.NoError(t, rec.Start(ctx, count.ID, 9))

	_, lines, err = repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, int64(10), lines[0].SystemQty)
	require.Equal(t, int64(0), lines[1].SystemQty)
	require.Equal(t, int64(7), lines[2].SystemQty)
}

func TestSnapshotFrozenAtStart(t *testing.T) {
	rec, repo, _ := newTestReconciler(t, map[int64]int64{1: 10})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))

	// Stock moves after the snapshot; the count must still compare against 10.
	repo.stock[1] = 25

	line, err := rec.RecordActual(ctx, count.ID, 1, 10, 9)
	require.NoError(t, err)
	require.Equal(t, int64(10), line.SystemQty)
	require.Equal(t, LineResultMatch, line.Result)
}

func TestRecountLastWins(t *testing.T) {
	rec, _, _ := newTestReconciler(t, map[int64]int64{1: 10})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))

	_, err = rec.RecordActual(ctx, count.ID, 1, 4, 9)
	require.NoError(t, err)
	line, err := rec.RecordActual(ctx, count.ID, 1, 10, 9)
	require.NoError(t, err)
	require.Equal(t, LineResultMatch, line.Result)
}

func TestWorkflowGuards(t *testing.T) {
	rec, _, _ := newTestReconciler(t, map[int64]int64{1: 10})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)

	// Draft counts accept no actuals and cannot complete.
	_, err = rec.RecordActual(ctx, count.ID, 1, 4, 9)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, rec.Complete(ctx, count.ID, true, 9), ErrInvalidState)

	require.NoError(t, rec.Start(ctx, count.ID, 9))
	require.ErrorIs(t, rec.Start(ctx, count.ID, 9), ErrInvalidState)

	_, err = rec.RecordActual(ctx, count.ID, 99, 4, 9)
	require.ErrorIs(t, err, ErrValidation)

	_, err = rec.RecordActual(ctx, count.ID, 1, -1, 9)
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, rec.Complete(ctx, count.ID, false, 9))
	require.ErrorIs(t, rec.Cancel(ctx, count.ID, 9), ErrInvalidState)
}

func TestCancelInProgress(t *testing.T) {
	rec, repo, inv := newTestReconciler(t, map[int64]int64{1: 10})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))
	_, err = rec.RecordActual(ctx, count.ID, 1, 2, 9)
	require.NoError(t, err)

	require.NoError(t, rec.Cancel(ctx, count.ID, 9))
	got, _, err := repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Equal(t, CountStatusCancelled, got.Status)
	require.Empty(t, inv.batches)
}

func TestConcurrentCompleteAdjustsOnce(t *testing.T) {
	rec, repo, inv := newTestReconciler(t, map[int64]int64{1: 100})
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))
	_, err = rec.RecordActual(ctx, count.ID, 1, 80, 9)
	require.NoError(t, err)

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = rec.Complete(ctx, count.ID, true, 9)
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, inv.batches, 1)
	failed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidState)
			failed++
		}
	}
	require.Equal(t, 1, failed)

	got, _, err := repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Equal(t, CountStatusCompleted, got.Status)
}

func TestCompleteFailureReopensCount(t *testing.T) {
	repo := newMemoryRepo(map[int64]int64{1: 100})
	inv := &fakeInventory{}
	idem := &fakeIdempotency{}
	rec := NewReconciler(repo, inv, idem, nil, nil)
	ctx := context.Background()

	count, err := rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx, count.ID, 9))
	_, err = rec.RecordActual(ctx, count.ID, 1, 80, 9)
	require.NoError(t, err)

	inv.failErr = errors.New("ledger unavailable")
	require.Error(t, rec.Complete(ctx, count.ID, true, 9))

	got, _, err := repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Equal(t, CountStatusInProgress, got.Status)
	require.Empty(t, idem.keys)

	inv.failErr = nil
	require.NoError(t, rec.Complete(ctx, count.ID, true, 9))
	require.Len(t, inv.batches, 1)

	got, _, err = repo.GetCount(ctx, count.ID)
	require.NoError(t, err)
	require.Equal(t, CountStatusCompleted, got.Status)
}

func TestCreateValidation(t *testing.T) {
	rec, _, _ := newTestReconciler(t, nil)
	ctx := context.Background()

	_, err := rec.Create(ctx, CreateInput{Type: "UNKNOWN", LocationID: 5, ProductIDs: []int64{1}, ActorID: 9})
	require.ErrorIs(t, err, ErrValidation)

	_, err = rec.Create(ctx, CreateInput{Type: CountTypeCycle, LocationID: 5, ActorID: 9})
	require.ErrorIs(t, err, ErrValidation)

	_, err = rec.Create(ctx, CreateInput{Type: CountTypeSpot, LocationID: 5, ProductIDs: []int64{1, 1}, ActorID: 9})
	require.ErrorIs(t, err, ErrValidation)
}
