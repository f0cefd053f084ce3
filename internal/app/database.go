package app

import (
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/talkincode/wablast/config"
)

// getDatabase opens postgres or sqlite; sqlite files live in datadir.
func getDatabase(cfg config.DBConfig, datadir string) *gorm.DB {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if cfg.Debug {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name, time.Local.String())
		dialector = postgres.Open(dsn)
	default:
		file := path.Join(datadir, cfg.Name+".db")
		dialector = sqlite.Open(file + "?_foreign_keys=on&_busy_timeout=5000")
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		zap.S().Fatalf("database connect failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		zap.S().Fatalf("database handle failed: %v", err)
	}
	if cfg.Type == "sqlite" || cfg.Type == "" {
		// one writer avoids SQLITE_BUSY under the queue and session writers
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
	}
	return db
}
