// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/talkincode/wablast/internal/domain"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory sqlite database with every table migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateSession inserts an active, disconnected session row.
func CreateSession(t testing.TB, db *gorm.DB, id int64, name string) *domain.WaSession {
	t.Helper()
	s := &domain.WaSession{ID: id, Name: name, Status: domain.SessionDisconnected, IsActive: true}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("create session %d: %v", id, err)
	}
	return s
}
