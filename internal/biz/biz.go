// Package biz contains the business logic layer: the resilience helpers
// (circuit breaker, retry policy), the task queue and the alert engine.
package biz

import (
	"ModelHub/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBreakerRegistry,
	NewTaskQueueUsecase,
	NewAlertEngine,
	NewTaskHandlers,
	NewAlertRetentionTask,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(MessageBus), new(data.MessageBus)),
	wire.Bind(new(ResultStore), new(*data.ResultStore)),
	wire.Bind(new(AlertRuleRepo), new(*data.AlertRuleRepo)),
	wire.Bind(new(AlertHistoryRepo), new(*data.AlertHistoryRepo)),
	wire.Bind(new(AlertNotifier), new(*data.WebhookNotifier)),
	wire.Bind(new(TaskSubmitter), new(*TaskQueueUsecase)),
)
