package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/rentledger/rentledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const (
	// TaskRentalSweepOverdue reclassifies rentals past their due date.
	TaskRentalSweepOverdue = "rental:sweep_overdue"
)

// SweepOverduePayload optionally pins the evaluation instant. A zero AsOf
// means the handler's own clock decides.
type SweepOverduePayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// SweepService describes the behaviour required to reclassify overdue
// rentals.
type SweepService interface {
	SweepOverdue(ctx context.Context, now time.Time) ([]int64, error)
}

// NewSweepOverdueTask creates an Asynq task for the overdue sweep.
func NewSweepOverdueTask(asOf time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepOverduePayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRentalSweepOverdue, body, asynq.Queue(QueueDefault)), nil
}

// SweepOverdueJob flips ACTIVE transactions past due to OVERDUE.
type SweepOverdueJob struct {
	Service SweepService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSweepOverdueJob constructs the job handler.
func NewSweepOverdueJob(service SweepService, logger *slog.Logger, metrics *jobmetrics.Metrics) *SweepOverdueJob {
	return &SweepOverdueJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the overdue sweep.
func (j *SweepOverdueJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("sweep overdue: service not configured")
	}
	var payload SweepOverduePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	tracker := j.metrics().Track(TaskRentalSweepOverdue)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	ids, err := j.Service.SweepOverdue(ctx, asOf)
	if err != nil {
		resultErr = err
		j.log().Error("sweep overdue", slog.Time("as_of", asOf), slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddSweptOverdue(len(ids))

	j.log().Info("overdue sweep finished",
		slog.Time("as_of", asOf),
		slog.Int("swept", len(ids)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *SweepOverdueJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SweepOverdueJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRentalSweepOverdue))
	}
	return slog.Default().With(slog.String("job", TaskRentalSweepOverdue))
}

func (j *SweepOverdueJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *SweepOverdueJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
