package main

import (
	"context"
	"time"

	"ModelHub/internal/biz"
	"ModelHub/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const (
	defaultRetentionCron = "0 0 * * * *"
	retentionJobTimeout  = 10 * time.Minute
)

// newRetentionCron schedules the alert history retention job.
// The schedule uses the seconds field: "0 0 * * * *" runs at the top of every hour.
func newRetentionCron(c *conf.Alert, task *biz.AlertRetentionTask, logger log.Logger) (*cron.Cron, error) {
	helper := log.NewHelper(log.With(logger, "module", "cron/alert-retention"))

	spec := defaultRetentionCron
	if c != nil && c.RetentionCron != "" {
		spec = c.RetentionCron
	}

	cr := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := cr.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), retentionJobTimeout)
		defer cancel()

		if _, err := task.Run(ctx); err != nil {
			helper.Errorw("msg", "alert retention job failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}

	helper.Infow("msg", "alert retention job scheduled", "schedule", spec, "retention", task.Retention().String())
	return cr, nil
}
