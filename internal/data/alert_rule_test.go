package data

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"ModelHub/internal/model"
	pkgerrors "ModelHub/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// setupTestDB creates a test database connection with sqlmock
func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	cleanup := func() {
		sqlDB.Close()
	}

	return gormDB, mock, cleanup
}

func cpuRule() *model.AlertRule {
	return &model.AlertRule{
		Name:            "high-cpu",
		MetricName:      "cpu.usage",
		Threshold:       90,
		Comparator:      model.ComparatorGT,
		DurationSeconds: 60,
		Level:           model.AlertLevelWarning,
		Type:            model.AlertTypeResource,
		MessageTemplate: "{metric} at {value}",
		Enabled:         true,
	}
}

func TestAlertRuleRepo_Save(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewAlertRuleRepo(db, log.DefaultLogger)

	t.Run("upsert", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `alert_rules`") + ".*ON DUPLICATE KEY UPDATE").
			WithArgs("high-cpu", "cpu.usage", float64(90), ">", int64(60), "warning", "resource",
				"{metric} at {value}", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Save(context.Background(), cpuRule()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("connection error is transient", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `alert_rules`")).
			WillReturnError(errors.New("dial tcp: connection refused"))
		mock.ExpectRollback()

		err := repo.Save(context.Background(), cpuRule())
		require.Error(t, err)
		assert.Equal(t, pkgerrors.KindTransient, pkgerrors.KindOf(err))
		assert.Contains(t, err.Error(), "high-cpu")
	})
}

func TestAlertRuleRepo_Delete(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewAlertRuleRepo(db, log.DefaultLogger)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `alert_rules` WHERE name = ?")).
		WithArgs("high-cpu").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, repo.Delete(context.Background(), "high-cpu"))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `alert_rules` WHERE name = ?")).
		WithArgs("absent").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	err := repo.Delete(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFoundError(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRuleRepo_List(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewAlertRuleRepo(db, log.DefaultLogger)

	rows := sqlmock.NewRows([]string{
		"name", "metric_name", "threshold", "comparison", "duration_seconds",
		"level", "type", "message_template", "enabled",
	}).
		AddRow("high-cpu", "cpu.usage", 90.0, ">", 60, "warning", "resource", "{metric} at {value}", true).
		AddRow("low-disk", "disk.free", 5.0, "<", 0, "critical", "resource", "", false)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `alert_rules` ORDER BY name ASC")).WillReturnRows(rows)

	rules, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, cpuRule(), rules[0])
	assert.Equal(t, model.ComparatorLT, rules[1].Comparator)
	assert.False(t, rules[1].Enabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
