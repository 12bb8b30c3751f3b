package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/authz/internal/jobs"
)

// OverrideCleaner deletes expired overrides and reports how many were removed.
type OverrideCleaner interface {
	CleanupExpiredOverrides(ctx context.Context) (int64, error)
}

// OverrideCleanupJob handles TaskOverrideCleanup.
type OverrideCleanupJob struct {
	Cleaner OverrideCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOverrideCleanupJob initialises the cleanup handler.
func NewOverrideCleanupJob(cleaner OverrideCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverrideCleanupJob {
	return &OverrideCleanupJob{Cleaner: cleaner, Logger: logger, Metrics: metrics}
}

// Handle executes one cleanup run.
func (j *OverrideCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Cleaner == nil {
		return errors.New("override cleanup: handler not configured")
	}
	var payload OverrideCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskOverrideCleanup)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("job", TaskOverrideCleanup), slog.String("requested_by", payload.RequestedBy))
	removed, err := j.Cleaner.CleanupExpiredOverrides(ctx)
	if err != nil {
		logger.Error("override cleanup failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddRemoved(TaskOverrideCleanup, removed)
	logger.Info("override cleanup completed", slog.Int64("removed", removed))
	return nil
}

func (j *OverrideCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
