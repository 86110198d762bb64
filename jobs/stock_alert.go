package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/rentledger/rentledger/internal/jobs"
	"github.com/rentledger/rentledger/internal/rental"
)

const (
	// TaskStockLowAlert scans the catalog for products needing reorder.
	TaskStockLowAlert = "stock:low_alert"
)

// StockLowAlertPayload optionally overrides the configured boundary
// comparison. Nil keeps the handler's default.
type StockLowAlertPayload struct {
	Inclusive *bool `json:"inclusive,omitempty"`
}

// StockLister describes the catalog lookup the alert scan needs.
type StockLister interface {
	ListLowStock(ctx context.Context, inclusive bool) ([]rental.Product, error)
}

// NewStockLowAlertTask creates an Asynq task for the low stock scan.
func NewStockLowAlertTask(inclusive *bool) (*asynq.Task, error) {
	body, err := json.Marshal(StockLowAlertPayload{Inclusive: inclusive})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockLowAlert, body, asynq.Queue(QueueDefault)), nil
}

// StockAlertJob surfaces products at or below their reorder threshold.
type StockAlertJob struct {
	Repo      StockLister
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Inclusive bool
	clock     func() time.Time
}

// NewStockAlertJob constructs the job handler.
func NewStockAlertJob(repo StockLister, logger *slog.Logger, metrics *jobmetrics.Metrics, inclusive bool) *StockAlertJob {
	return &StockAlertJob{
		Repo:      repo,
		Logger:    logger,
		Metrics:   metrics,
		Inclusive: inclusive,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the low stock scan.
func (j *StockAlertJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("stock alert: repository not configured")
	}
	var payload StockLowAlertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	inclusive := j.Inclusive
	if payload.Inclusive != nil {
		inclusive = *payload.Inclusive
	}

	tracker := j.metrics().Track(TaskStockLowAlert)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	products, err := j.Repo.ListLowStock(ctx, inclusive)
	if err != nil {
		resultErr = err
		j.log().Error("list low stock", slog.Any("error", err))
		return resultErr
	}
	for _, p := range products {
		j.log().Warn("product needs reorder",
			slog.Int64("product_id", p.ID),
			slog.String("sku", p.SKU),
			slog.Int64("stock_on_hand", p.StockOnHand),
			slog.Int64("minimum_stock", p.MinimumStock),
		)
	}
	j.metrics().SetLowStockProducts(len(products))

	j.log().Info("low stock scan finished",
		slog.Bool("inclusive", inclusive),
		slog.Int("flagged", len(products)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *StockAlertJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StockAlertJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockLowAlert))
	}
	return slog.Default().With(slog.String("job", TaskStockLowAlert))
}

func (j *StockAlertJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
