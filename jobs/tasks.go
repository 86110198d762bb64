package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rentledger/rentledger/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIdempotencyCleanup prunes idempotency keys past their retention.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// IdempotencyCleanupPayload bounds the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetainHours int `json:"retain_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retainHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetainHours: retainHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupJob removes idempotency keys that are old enough that a
// client retry carrying them can no longer be in flight.
type IdempotencyCleanupJob struct {
	Store  *shared.IdempotencyStore
	Logger *slog.Logger
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: store not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetainHours <= 0 {
		payload.RetainHours = 72
	}
	removed, err := j.Store.Cleanup(ctx, time.Duration(payload.RetainHours)*time.Hour)
	if err != nil {
		j.log().Error("idempotency cleanup", slog.Any("error", err))
		return err
	}
	j.log().Info("idempotency keys pruned", slog.Int64("removed", removed), slog.Int("retain_hours", payload.RetainHours))
	return nil
}

func (j *IdempotencyCleanupJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}
