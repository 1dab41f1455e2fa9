package data

import (
	"context"

	"ModelHub/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// WebhookNotifier delivers alert notifications. Delivery is a structured log
// entry; an HTTP sink can replace it behind the same method.
type WebhookNotifier struct {
	logger *log.Helper
}

// NewWebhookNotifier creates a logging webhook notifier.
func NewWebhookNotifier(logger log.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		logger: log.NewHelper(log.With(logger, "module", "data/webhook")),
	}
}

// Notify logs a fired or resolved alert event.
func (s *WebhookNotifier) Notify(ctx context.Context, event *model.AlertEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state := "firing"
	if event.Resolved {
		state = "resolved"
	}
	s.logger.Infow("msg", "alert notification delivered",
		"event_id", event.ID,
		"rule", event.RuleName,
		"level", event.Level,
		"state", state,
		"message", event.Message,
		"metric_value", event.MetricValue,
		"threshold", event.Threshold)
	return nil
}
