package biz

import (
	"context"
	"time"

	"ModelHub/internal/conf"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

const defaultHistoryRetention = 7 * 24 * time.Hour

// AlertRetentionTask deletes persisted alert history past its retention
// window. It is scheduled by the cron runner in main.
type AlertRetentionTask struct {
	history   AlertHistoryRepo
	retention time.Duration
	now       func() time.Time
	logger    *pkglog.LogHelper
}

// NewAlertRetentionTask creates the retention task from alert.history_retention.
func NewAlertRetentionTask(c *conf.Alert, history AlertHistoryRepo, logger log.Logger) *AlertRetentionTask {
	retention := defaultHistoryRetention
	if c != nil && c.HistoryRetention != nil && c.HistoryRetention.AsDuration() > 0 {
		retention = c.HistoryRetention.AsDuration()
	}
	return &AlertRetentionTask{
		history:   history,
		retention: retention,
		now:       time.Now,
		logger:    pkglog.NewLogHelper(log.With(logger, "module", "biz/alert-retention")),
	}
}

// Retention returns the configured retention window.
func (t *AlertRetentionTask) Retention() time.Duration {
	return t.retention
}

// Run deletes resolved events triggered before now - retention.
func (t *AlertRetentionTask) Run(ctx context.Context) (int64, error) {
	cutoff := t.now().Add(-t.retention)
	start := time.Now()

	deleted, err := t.history.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		t.logger.Errorw("msg", "alert history retention failed", "cutoff", cutoff.Format(time.RFC3339), "error", err)
		return 0, err
	}

	t.logger.Scheduler("alert history retention completed",
		"cutoff", cutoff.Format(time.RFC3339),
		"deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds())
	return deleted, nil
}
