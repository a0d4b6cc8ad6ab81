package goodsissue

import (
	"errors"
	"time"
)

// IssueStatus enumerates the goods issue lifecycle.
type IssueStatus string

const (
	IssueStatusPending   IssueStatus = "PENDING"
	IssueStatusCompleted IssueStatus = "COMPLETED"
	IssueStatusCancelled IssueStatus = "CANCELLED"
)

// IssueType classifies why stock leaves the warehouse.
type IssueType string

const (
	IssueTypeSales  IssueType = "SALES"
	IssueTypeDamage IssueType = "DAMAGE"
	IssueTypeOther  IssueType = "OTHER"
)

// Valid reports whether the issue type is known.
func (t IssueType) Valid() bool {
	switch t {
	case IssueTypeSales, IssueTypeDamage, IssueTypeOther:
		return true
	}
	return false
}

// GoodsIssue is an outbound stock document. Stock only moves when the
// issue completes; a pending issue holds no quantities.
type GoodsIssue struct {
	ID          int64
	Number      string
	Type        IssueType
	Status      IssueStatus
	LocationID  int64
	IssuedTo    string
	Notes       string
	CreatedBy   int64
	CreatedAt   time.Time
	CompletedAt time.Time
}

// IssueLine is one product and quantity to issue.
type IssueLine struct {
	ID        int64
	IssueID   int64
	ProductID int64
	Quantity  int64
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("goodsissue: invalid state transition")
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("goodsissue: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("goodsissue: invalid input")
)
