package database

import (
	"fmt"
	"time"

	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init 连接数据库并自动迁移表结构
func Init(cfg *config.DatabaseConfig) error {
	cfg.SetDefaults()

	db, err := Open(cfg)
	if err != nil {
		return err
	}
	DB = db

	if err := AutoMigrateAll(DB); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	logger.Infof("Database initialized successfully")
	return nil
}

// Open 根据驱动类型打开连接（支持 MySQL 和 PostgreSQL）
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN())
	case "mysql", "":
		dialector = mysql.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", cfg.Driver)
	}

	logger.Infof("Connecting to %s database...", cfg.Driver)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: NewGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewGormLogger gorm 日志输出到 zap，只记录慢查询和错误
func NewGormLogger() gormLogger.Interface {
	return gormLogger.New(
		logger.GormWriter{},
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// AutoMigrateAll 迁移所有表
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Ticket{},
		&model.Policy{},
		&model.TicketPolicy{},
		&model.GroupUser{},
		&model.ParamRule{},
	)
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
