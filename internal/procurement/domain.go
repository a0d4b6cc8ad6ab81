package procurement

import (
	"errors"
	"fmt"
	"time"
)

// POStatus enumerates the purchase order lifecycle.
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusPending   POStatus = "PENDING"
	POStatusApproved  POStatus = "APPROVED"
	POStatusOrdered   POStatus = "ORDERED"
	POStatusPartial   POStatus = "PARTIAL"
	POStatusCompleted POStatus = "COMPLETED"
	POStatusCancelled POStatus = "CANCELLED"
)

// poTransitions is the explicit transition table. Every state-changing
// operation checks it on entry; anything not listed is rejected.
var poTransitions = map[POStatus][]POStatus{
	POStatusDraft:    {POStatusPending, POStatusCancelled},
	POStatusPending:  {POStatusApproved, POStatusCancelled},
	POStatusApproved: {POStatusOrdered, POStatusCancelled},
	POStatusOrdered:  {POStatusPartial, POStatusCompleted, POStatusCancelled},
	POStatusPartial:  {POStatusPartial, POStatusCompleted, POStatusCancelled},
}

// CanTransitionTo checks the transition table.
func (s POStatus) CanTransitionTo(target POStatus) bool {
	for _, allowed := range poTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s POStatus) Terminal() bool {
	return len(poTransitions[s]) == 0
}

// CanReceive reports whether goods may be received in this status.
func (s POStatus) CanReceive() bool {
	return s == POStatusOrdered || s == POStatusPartial
}

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID         int64
	Number     string
	SupplierID int64
	Status     POStatus
	ExpectedAt time.Time
	Notes      string
	CreatedBy  int64
	ApprovedBy int64
	ApprovedAt time.Time
}

// POLine is one ordered product. ReceivedQty is monotonically
// non-decreasing and never exceeds OrderedQty.
type POLine struct {
	ID          int64
	POID        int64
	ProductID   int64
	OrderedQty  int64
	ReceivedQty int64
	Price       float64
	Notes       string
}

// Outstanding returns the quantity still to be received.
func (l POLine) Outstanding() int64 {
	return l.OrderedQty - l.ReceivedQty
}

// FullyReceived reports whether the line is complete.
func (l POLine) FullyReceived() bool {
	return l.ReceivedQty >= l.OrderedQty
}

// PurchaseReceipt is one inbound event against a purchase order. Number is
// the caller-supplied idempotency key: replaying it returns the stored
// receipt without re-applying stock.
type PurchaseReceipt struct {
	ID         int64
	Number     string
	POID       int64
	LocationID int64
	ReceivedAt time.Time
	Notes      string
	Lines      []ReceiptLine
}

// ReceiptLine splits a received quantity into accepted and rejected parts.
// Only the accepted part ever reaches stock.
type ReceiptLine struct {
	ID          int64
	ReceiptID   int64
	ProductID   int64
	ExpectedQty int64
	ReceivedQty int64
	AcceptedQty int64
	RejectedQty int64
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("procurement: invalid state transition")
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrOverReceipt is matched by OverReceiptError via errors.Is.
	ErrOverReceipt = errors.New("procurement: over receipt")
)

// OverReceiptError reports a receipt exceeding the outstanding ordered
// quantity, carrying the exact numbers for dispute resolution.
type OverReceiptError struct {
	ProductID   int64
	Outstanding int64
	Received    int64
}

func (e *OverReceiptError) Error() string {
	return fmt.Sprintf("procurement: over receipt for product %d: outstanding %d, received %d",
		e.ProductID, e.Outstanding, e.Received)
}

// Is lets errors.Is(err, ErrOverReceipt) match.
func (e *OverReceiptError) Is(target error) bool {
	return target == ErrOverReceipt
}
