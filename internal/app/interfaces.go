package app

import (
	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/config"
	"github.com/talkincode/wablast/internal/bulk"
	"github.com/talkincode/wablast/internal/queue"
	"github.com/talkincode/wablast/internal/session"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SettingsProvider provides system settings access
type SettingsProvider interface {
	GetSettingsStringValue(category, key string) string
	GetSettingsInt64Value(category, key string) int64
	GetSettingsBoolValue(category, key string) bool
	SaveSettings(settings map[string]interface{}) error
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// ConfigManagerProvider provides configuration manager access
type ConfigManagerProvider interface {
	ConfigMgr() *ConfigManager
}

// MessagingProvider exposes the session and delivery services
type MessagingProvider interface {
	Sessions() *session.Manager
	Queue() queue.Store
	Processor() *queue.Processor
	Bulk() *bulk.Dispatcher
	Bus() EventBus.Bus
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SettingsProvider
	SchedulerProvider
	ConfigManagerProvider
	MessagingProvider

	MigrateDB(track bool) error
	// RunSchedulerNow triggers a scheduler execution immediately by ID
	RunSchedulerNow(id int64) error
}
