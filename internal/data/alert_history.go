package data

import (
	"context"
	"sync"
	"time"

	"ModelHub/internal/model"
	pkgerrors "ModelHub/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const alertHistoryBuffer = 1000

// AlertHistoryPO is the GORM model for alert_histories table.
type AlertHistoryPO struct {
	ID          int64      `gorm:"primaryKey;column:id"`
	EventID     string     `gorm:"column:event_id;size:36;not null;uniqueIndex:uk_event_id"`
	RuleName    string     `gorm:"column:rule_name;size:100;not null;index:idx_rule_name"`
	Level       string     `gorm:"column:level;size:20;not null"`
	Type        string     `gorm:"column:type;size:20;not null"`
	Message     string     `gorm:"column:message;type:text"`
	MetricValue float64    `gorm:"column:metric_value"`
	Threshold   float64    `gorm:"column:threshold"`
	TriggeredAt time.Time  `gorm:"column:triggered_at;not null;index:idx_triggered_at"`
	ResolvedAt  *time.Time `gorm:"column:resolved_at"`
	Resolved    bool       `gorm:"column:resolved;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (AlertHistoryPO) TableName() string {
	return "alert_histories"
}

func alertEventToPO(e *model.AlertEvent) *AlertHistoryPO {
	po := &AlertHistoryPO{
		EventID:     e.ID,
		RuleName:    e.RuleName,
		Level:       string(e.Level),
		Type:        string(e.Type),
		Message:     e.Message,
		MetricValue: e.MetricValue,
		Threshold:   e.Threshold,
		TriggeredAt: e.TriggeredAt,
		Resolved:    e.Resolved,
	}
	if e.ResolvedAt != nil {
		ts := *e.ResolvedAt
		po.ResolvedAt = &ts
	}
	return po
}

func (po *AlertHistoryPO) toModel() *model.AlertEvent {
	return &model.AlertEvent{
		ID:          po.EventID,
		RuleName:    po.RuleName,
		Level:       model.AlertLevel(po.Level),
		Type:        model.AlertType(po.Type),
		Message:     po.Message,
		MetricValue: po.MetricValue,
		Threshold:   po.Threshold,
		TriggeredAt: po.TriggeredAt,
		ResolvedAt:  po.ResolvedAt,
		Resolved:    po.Resolved,
	}
}

// AlertHistoryRepo writes alert events to MySQL asynchronously so that metric
// ingestion never waits on the database.
type AlertHistoryRepo struct {
	db      *gorm.DB
	events  chan *AlertHistoryPO
	logger  *log.Helper
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// NewAlertHistoryRepo creates the repository and starts its writer goroutine.
// The returned cleanup drains queued events before returning.
func NewAlertHistoryRepo(db *gorm.DB, logger log.Logger) (*AlertHistoryRepo, func()) {
	r := &AlertHistoryRepo{
		db:     db,
		events: make(chan *AlertHistoryPO, alertHistoryBuffer),
		logger: log.NewHelper(log.With(logger, "module", "data/alert-history")),
	}

	r.wg.Add(1)
	go r.start()

	return r, r.Close
}

// start persists queued events until the channel is closed.
func (r *AlertHistoryRepo) start() {
	defer r.wg.Done()
	for po := range r.events {
		err := r.db.WithContext(context.Background()).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"resolved", "resolved_at", "message"}),
		}).Create(po).Error
		if err != nil {
			r.logger.Errorw("msg", "failed to write alert history",
				"event_id", po.EventID,
				"rule", po.RuleName,
				"error", err)
			continue
		}
		r.logger.Debugw("msg", "alert history written",
			"event_id", po.EventID,
			"resolved", po.Resolved)
	}
}

// Record queues event for persistence without blocking. Events are dropped
// with a warning when the queue is full or the repository is closed.
func (r *AlertHistoryRepo) Record(_ context.Context, event *model.AlertEvent) {
	po := alertEventToPO(event)

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		r.logger.Warnw("msg", "alert history closed, dropping event", "event_id", event.ID)
		return
	}

	select {
	case r.events <- po:
	default:
		r.logger.Warnw("msg", "alert history channel full, dropping event",
			"event_id", event.ID,
			"rule", event.RuleName)
	}
}

// ListRecent returns up to limit events, most recently triggered first.
func (r *AlertHistoryRepo) ListRecent(ctx context.Context, limit int) ([]*model.AlertEvent, error) {
	var pos []AlertHistoryPO
	err := r.db.WithContext(ctx).
		Order("triggered_at DESC").
		Limit(limit).
		Find(&pos).Error
	if err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		dbErr.Message = "failed to list alert history"
		return nil, dbErr
	}

	events := make([]*model.AlertEvent, 0, len(pos))
	for i := range pos {
		events = append(events, pos[i].toModel())
	}
	return events, nil
}

// DeleteResolvedBefore removes resolved events triggered before cutoff and
// returns the number of rows deleted.
func (r *AlertHistoryRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("resolved = ? AND triggered_at < ?", true, cutoff).
		Delete(&AlertHistoryPO{})
	if result.Error != nil {
		dbErr := pkgerrors.ClassifyDBError(result.Error)
		dbErr.Message = "failed to delete alert history"
		return 0, dbErr
	}
	return result.RowsAffected, nil
}

// Close stops accepting events and waits for the queue to drain.
func (r *AlertHistoryRepo) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.closeMu.Unlock()

	r.wg.Wait()
}
