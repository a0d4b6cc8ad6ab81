package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// NewIdempotencyCleanupHandler returns the handler for TaskIdempotencyCleanup.
// The payload retention overrides the default when positive.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, defaultRetention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IdempotencyCleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		retention := defaultRetention
		if payload.Retention > 0 {
			retention = payload.Retention
		}
		if err := store.Cleanup(ctx, retention); err != nil {
			return err
		}
		logger.Info("idempotency keys cleaned", slog.Duration("retention", retention))
		return nil
	}
}
