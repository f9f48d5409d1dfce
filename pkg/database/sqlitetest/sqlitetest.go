// Package sqlitetest 提供基于内存 SQLite 的测试数据库
package sqlitetest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/douban/helpdesk/pkg/database"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var seq atomic.Int64

// New 打开一个独立的内存数据库并迁移全部表
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:helpdesk_test_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
