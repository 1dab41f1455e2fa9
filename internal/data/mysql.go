package data

import (
	"fmt"
	"time"

	"ModelHub/internal/conf"
	pkglog "ModelHub/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connection pool limits. The history writer and the rule repo share the pool;
// neither holds a connection for longer than one statement.
const (
	mysqlMaxIdleConns    = 8
	mysqlMaxOpenConns    = 32
	mysqlConnMaxLifetime = time.Hour
	mysqlConnMaxIdleTime = 10 * time.Minute
	mysqlSlowThreshold   = 200 * time.Millisecond
)

// NewMySQLClient opens the gorm connection for the alert rule and alert history
// tables and migrates both.
func NewMySQLClient(c *conf.Data, l log.Logger) (*gorm.DB, func(), error) {
	helper := pkglog.NewLogHelper(l)

	if c == nil || c.Database == nil || c.Database.Source == "" {
		return nil, nil, fmt.Errorf("database configuration is required")
	}

	db, err := gorm.Open(mysql.Open(c.Database.Source), &gorm.Config{
		Logger: logger.New(&gormLogAdapter{helper: helper}, logger.Config{
			SlowThreshold:             mysqlSlowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(mysqlMaxIdleConns)
	sqlDB.SetMaxOpenConns(mysqlMaxOpenConns)
	sqlDB.SetConnMaxLifetime(mysqlConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(mysqlConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}

	if err := db.AutoMigrate(&AlertRulePO{}, &AlertHistoryPO{}); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("migrate alert tables: %w", err)
	}

	helper.Database("mysql connected", "tables", []string{AlertRulePO{}.TableName(), AlertHistoryPO{}.TableName()})

	cleanup := func() {
		helper.Database("closing mysql connection")
		if err := sqlDB.Close(); err != nil {
			helper.Errorw("msg", "close mysql", "error", err)
		}
	}
	return db, cleanup, nil
}

// gormLogAdapter receives slow queries and SQL errors from gorm.
type gormLogAdapter struct {
	helper *pkglog.LogHelper
}

func (g *gormLogAdapter) Printf(format string, v ...interface{}) {
	g.helper.Warnw("msg", "gorm", "detail", fmt.Sprintf(format, v...), "type", "database")
}
