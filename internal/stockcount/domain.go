package stockcount

import (
	"errors"
	"time"
)

// CountStatus enumerates the stock count lifecycle.
type CountStatus string

const (
	CountStatusDraft      CountStatus = "DRAFT"
	CountStatusInProgress CountStatus = "IN_PROGRESS"
	CountStatusCompleted  CountStatus = "COMPLETED"
	CountStatusCancelled  CountStatus = "CANCELLED"
)

// CountType classifies the count scope.
type CountType string

const (
	// CountTypeFull counts every product holding a stock record at the
	// location; lines are generated when the count starts.
	CountTypeFull CountType = "FULL"
	// CountTypeCycle counts a planned subset of products.
	CountTypeCycle CountType = "CYCLE"
	// CountTypeSpot counts an ad-hoc selection.
	CountTypeSpot CountType = "SPOT"
)

// Valid reports whether the count type is known.
func (t CountType) Valid() bool {
	switch t {
	case CountTypeFull, CountTypeCycle, CountTypeSpot:
		return true
	}
	return false
}

// LineResult classifies a counted line against its frozen system quantity.
type LineResult string

const (
	LineResultPending  LineResult = "PENDING"
	LineResultMatch    LineResult = "MATCH"
	LineResultSurplus  LineResult = "SURPLUS"
	LineResultShortage LineResult = "SHORTAGE"
)

// StockCount is a physical count session. SystemQty on its lines is frozen
// once when the count starts so recounting is always against one snapshot.
type StockCount struct {
	ID          int64
	Number      string
	Type        CountType
	Status      CountStatus
	LocationID  int64
	Notes       string
	CreatedBy   int64
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// CountLine is one product in the count. Difference = CountedQty − SystemQty
// and is only meaningful once Counted is true.
type CountLine struct {
	ID         int64
	CountID    int64
	ProductID  int64
	SystemQty  int64
	CountedQty int64
	Counted    bool
	Difference int64
	Result     LineResult
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("stockcount: invalid state transition")
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("stockcount: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("stockcount: invalid input")
)
