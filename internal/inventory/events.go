package inventory

import "context"

// MovementSubscriber receives ledger entries after they are committed,
// typically for reporting or notification fan-out.
type MovementSubscriber interface {
	HandleMovementRecorded(ctx context.Context, entry MovementEntry) error
}
