package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/pirouette-hq/pirouette/internal/billing"
	jobmetrics "github.com/pirouette-hq/pirouette/internal/jobs"
	"github.com/pirouette-hq/pirouette/internal/studios"
)

// OverdueJob runs the overdue sweep for every billing studio.
type OverdueJob struct {
	billing   *billing.Service
	directory studios.Directory
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewOverdueJob builds the job. A nil metrics falls back to the default
// Prometheus registerer.
func NewOverdueJob(billingSvc *billing.Service, directory studios.Directory, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueJob {
	if metrics == nil {
		metrics = jobmetrics.NewMetrics(nil)
	}
	return &OverdueJob{billing: billingSvc, directory: directory, logger: logger, metrics: metrics}
}

// Handle processes TaskOverdueSweep tasks. One studio failing does not
// abort the others; the task fails (and retries) only when every studio
// errored.
func (j *OverdueJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload OverdueSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics.Track("overdue_sweep")

	studioIDs := []int64{payload.StudioID}
	if payload.StudioID == 0 {
		ids, err := j.directory.ListBillingStudioIDs(ctx)
		if err != nil {
			return tracker.End(fmt.Errorf("list billing studios: %w", err))
		}
		studioIDs = ids
	}

	var marked, fees, failed int
	for _, studioID := range studioIDs {
		result, err := j.billing.ProcessOverdue(ctx, studioID)
		if err != nil {
			failed++
			j.logger.Error("overdue sweep",
				slog.Int64("studio_id", studioID),
				slog.Any("error", err))
			continue
		}
		marked += result.MarkedOverdue
		fees += result.FeesApplied
		j.metrics.AddLateFees(studioID, result.FeesApplied)
	}

	j.logger.Info("overdue sweep finished",
		slog.Int("studios", len(studioIDs)),
		slog.Int("failed", failed),
		slog.Int("marked_overdue", marked),
		slog.Int("fees_applied", fees))

	if failed > 0 && failed == len(studioIDs) {
		return tracker.End(errors.New("overdue sweep failed for every studio"))
	}
	return tracker.End(nil)
}
