package inventory

import (
	"errors"
	"fmt"
	"time"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementIn represents an inbound movement.
	MovementIn MovementType = "IN"
	// MovementOut represents an outbound movement.
	MovementOut MovementType = "OUT"
	// MovementAdjust indicates manual adjustments.
	MovementAdjust MovementType = "ADJUST"
	// MovementTransfer marks the paired legs of a warehouse transfer.
	MovementTransfer MovementType = "TRANSFER"
)

// Valid reports whether the movement type is known.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementAdjust, MovementTransfer:
		return true
	}
	return false
}

// ReferenceType identifies the document kind that caused a movement.
type ReferenceType string

const (
	RefPurchaseReceipt ReferenceType = "PURCHASE_RECEIPT"
	RefGoodsIssue      ReferenceType = "GOODS_ISSUE"
	RefStockAdjustment ReferenceType = "STOCK_ADJUSTMENT"
	RefStockCount      ReferenceType = "STOCK_COUNT"
	RefTransfer        ReferenceType = "TRANSFER"
)

// Reference points at the document that caused a movement.
type Reference struct {
	Type ReferenceType
	ID   string
}

// StockRecord is the current-quantity row per (product, location).
// Available quantity is always derived so it can never be read stale.
type StockRecord struct {
	ProductID   int64
	LocationID  int64
	Quantity    int64
	ReservedQty int64
	UpdatedAt   time.Time
}

// Available returns on-hand minus reserved quantity.
func (r StockRecord) Available() int64 {
	return r.Quantity - r.ReservedQty
}

// MovementEntry is one immutable row of the stock ledger.
// AfterQty always equals BeforeQty + Quantity.
type MovementEntry struct {
	ID         int64
	ProductID  int64
	LocationID int64
	Type       MovementType
	Quantity   int64
	BeforeQty  int64
	AfterQty   int64
	Reference  Reference
	Reason     string
	Notes      string
	ActorID    int64
	OccurredAt time.Time
}

// DeltaRequest asks the mutator to change one stock record by a signed delta.
type DeltaRequest struct {
	ProductID  int64
	LocationID int64
	Delta      int64
	Type       MovementType
	Reference  Reference
	Reason     string
	Notes      string
	ActorID    int64
	// ClampToZero floors the resulting quantity at zero and records the
	// actually applied delta instead of failing the mutation.
	ClampToZero bool
}

// TransferInput moves stock between two locations as paired OUT/IN legs.
type TransferInput struct {
	ProductID   int64
	SrcLocation int64
	DstLocation int64
	Qty         int64
	Reference   Reference
	Notes       string
	ActorID     int64
}

// ReservationInput changes the reserved quantity of a stock record.
type ReservationInput struct {
	ProductID  int64
	LocationID int64
	Delta      int64
	ActorID    int64
}

// AdjustmentType enumerates manual correction kinds.
type AdjustmentType string

const (
	AdjustmentAdd      AdjustmentType = "ADD"
	AdjustmentSubtract AdjustmentType = "SUBTRACT"
	AdjustmentDamage   AdjustmentType = "DAMAGE"
)

// StockAdjustment records a one-shot manual correction.
type StockAdjustment struct {
	ID         int64
	Number     string
	ProductID  int64
	LocationID int64
	Type       AdjustmentType
	Quantity   int64
	// AppliedDelta is the signed change actually written, which differs
	// from the requested quantity when the mutation was clamped at zero.
	AppliedDelta int64
	BeforeQty    int64
	AfterQty     int64
	Reason       string
	ActorID      int64
	CreatedAt    time.Time
}

// AdjustmentInput describes a manual correction request.
type AdjustmentInput struct {
	ProductID  int64
	LocationID int64
	Type       AdjustmentType
	Quantity   int64
	Reason     string
	ActorID    int64
}

// MovementFilter narrows ledger queries.
type MovementFilter struct {
	ProductID     int64
	LocationID    int64
	ReferenceType ReferenceType
	ReferenceID   string
	From          time.Time
	To            time.Time
	Limit         int
}

// ErrValidation indicates malformed input to an inventory operation.
var ErrValidation = errors.New("inventory: invalid input")

// ErrInsufficientStock is matched by InsufficientStockError via errors.Is.
var ErrInsufficientStock = errors.New("inventory: insufficient stock")

// InsufficientStockError reports a mutation that would drive quantity
// negative without the product's negative-stock override. It carries the
// exact quantities so callers can surface them in dispute resolution.
type InsufficientStockError struct {
	ProductID  int64
	LocationID int64
	OnHand     int64
	Requested  int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for product %d at location %d: on-hand %d, requested %d",
		e.ProductID, e.LocationID, e.OnHand, e.Requested)
}

// Is lets errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
