package repository

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB 根据 DSN 前缀选择驱动并完成建表：
//
//	postgres://...      PostgreSQL
//	mysql://user:pw@tcp(host:3306)/db?parseTime=true
//	sqlite:file.db      SQLite（单机与测试）
func OpenDB(dsn string) (*gorm.DB, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(slogWriter{}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == "sqlite" {
		// SQLite 只允许单写者，串行化连接避免 database is locked。
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&OrganizationModel{},
		&UserModel{},
		&OrganizationMembershipModel{},
		&TeamModel{},
		&TeamMembershipModel{},
		&AppModel{},
		&AppMembershipModel{},
		&AppSecretModel{},
		&ReleaseModel{},
		&DeployModel{},
		&BuildJobModel{},
		&BuildStepModel{},
		&BuildLogModel{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.HasPrefix(dsn, "host="):
		return postgres.Open(dsn), nil
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), nil
	default:
		return nil, fmt.Errorf("unsupported database dsn %q", redact(dsn))
	}
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}

// slogWriter 把 gorm 的慢查询与错误日志转到 slog。
type slogWriter struct{}

func (slogWriter) Printf(format string, args ...any) {
	slog.Warn(fmt.Sprintf(format, args...), "component", "gorm")
}
