package data

import (
	"context"
	"time"

	"ModelHub/internal/model"
	pkgerrors "ModelHub/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertRulePO is the GORM model for alert_rules table.
type AlertRulePO struct {
	Name            string    `gorm:"primaryKey;column:name;size:100"`
	MetricName      string    `gorm:"column:metric_name;size:200;not null;index:idx_metric_name"`
	Threshold       float64   `gorm:"column:threshold;not null"`
	Comparison      string    `gorm:"column:comparison;size:4;not null"`
	DurationSeconds int64     `gorm:"column:duration_seconds;not null"`
	Level           string    `gorm:"column:level;size:20;not null"`
	Type            string    `gorm:"column:type;size:20;not null"`
	MessageTemplate string    `gorm:"column:message_template;type:text"`
	Enabled         bool      `gorm:"column:enabled;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AlertRulePO) TableName() string {
	return "alert_rules"
}

func alertRuleToPO(r *model.AlertRule) *AlertRulePO {
	return &AlertRulePO{
		Name:            r.Name,
		MetricName:      r.MetricName,
		Threshold:       r.Threshold,
		Comparison:      string(r.Comparator),
		DurationSeconds: r.DurationSeconds,
		Level:           string(r.Level),
		Type:            string(r.Type),
		MessageTemplate: r.MessageTemplate,
		Enabled:         r.Enabled,
	}
}

func (po *AlertRulePO) toModel() *model.AlertRule {
	return &model.AlertRule{
		Name:            po.Name,
		MetricName:      po.MetricName,
		Threshold:       po.Threshold,
		Comparator:      model.Comparator(po.Comparison),
		DurationSeconds: po.DurationSeconds,
		Level:           model.AlertLevel(po.Level),
		Type:            model.AlertType(po.Type),
		MessageTemplate: po.MessageTemplate,
		Enabled:         po.Enabled,
	}
}

// AlertRuleRepo persists alert rules in MySQL.
type AlertRuleRepo struct {
	db  *gorm.DB
	log *log.Helper
}

// NewAlertRuleRepo creates a new alert rule repository.
func NewAlertRuleRepo(db *gorm.DB, logger log.Logger) *AlertRuleRepo {
	return &AlertRuleRepo{
		db:  db,
		log: log.NewHelper(log.With(logger, "module", "data/alert-rule")),
	}
}

// Save inserts the rule or replaces the stored rule with the same name.
func (r *AlertRuleRepo) Save(ctx context.Context, rule *model.AlertRule) error {
	po := alertRuleToPO(rule)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"metric_name", "threshold", "comparison", "duration_seconds",
			"level", "type", "message_template", "enabled", "updated_at",
		}),
	}).Create(po).Error
	if err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		dbErr.Message = "failed to save alert rule " + rule.Name
		return dbErr
	}

	r.log.Debugw("msg", "alert rule saved", "rule", rule.Name)
	return nil
}

// Delete removes a rule by name. A missing rule yields ErrorTypeNotFound.
func (r *AlertRuleRepo) Delete(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&AlertRulePO{})
	if result.Error != nil {
		dbErr := pkgerrors.ClassifyDBError(result.Error)
		dbErr.Message = "failed to delete alert rule " + name
		return dbErr
	}
	if result.RowsAffected == 0 {
		return &pkgerrors.DatabaseError{
			Type:        pkgerrors.ErrorTypeNotFound,
			OriginalErr: gorm.ErrRecordNotFound,
			Message:     "alert rule not found: " + name,
		}
	}
	return nil
}

// List returns all stored rules ordered by name.
func (r *AlertRuleRepo) List(ctx context.Context) ([]*model.AlertRule, error) {
	var pos []AlertRulePO
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&pos).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		dbErr.Message = "failed to list alert rules"
		return nil, dbErr
	}

	rules := make([]*model.AlertRule, 0, len(pos))
	for i := range pos {
		rules = append(rules, pos[i].toModel())
	}
	return rules, nil
}
