package app

import (
	_ "embed"
	"errors"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/pkg/common"
)

//go:embed config_schemas.json
var configSchemasData []byte

// ConfigSchema describes one runtime setting.
type ConfigSchema struct {
	Key         string `json:"key"` // category.name
	Type        string `json:"type"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

// ConfigSchemasJSON is the embedded schema file.
type ConfigSchemasJSON struct {
	Schemas []ConfigSchema `json:"schemas"`
}

func loadSchemas() []ConfigSchema {
	var data ConfigSchemasJSON
	if err := jsoniter.Unmarshal(configSchemasData, &data); err != nil {
		zap.L().Error("failed to load config schemas from JSON", zap.Error(err))
		return nil
	}
	return data.Schemas
}

// ConfigManager caches sys_config rows. Lookups fall back to the schema default.
type ConfigManager struct {
	db       *gorm.DB
	mu       sync.RWMutex
	values   map[string]string
	defaults map[string]string
}

func NewConfigManager(db *gorm.DB) *ConfigManager {
	m := &ConfigManager{db: db, values: map[string]string{}, defaults: map[string]string{}}
	for _, s := range loadSchemas() {
		m.defaults[s.Key] = s.Default
	}
	m.Reload()
	return m
}

// Reload reads every setting from the database.
func (m *ConfigManager) Reload() {
	var rows []domain.SysConfig
	if err := m.db.Find(&rows).Error; err != nil {
		zap.L().Error("config: reload failed", zap.Error(err))
		return
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Type+"."+r.Name] = r.Value
	}
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
}

// Get returns the raw value of category.name.
func (m *ConfigManager) Get(category, name string) string {
	key := category + "." + name
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return m.defaults[key]
}

func (m *ConfigManager) GetString(category, name string) string {
	return m.Get(category, name)
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.Get(category, name))
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.Get(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.Get(category, name))
}

// Set stores a value and refreshes the cache entry.
func (m *ConfigManager) Set(category, name, value string) error {
	var row domain.SysConfig
	err := m.db.Where("type = ? AND name = ?", category, name).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = domain.SysConfig{ID: common.UUIDint64(), Type: category, Name: name, Value: value}
		err = m.db.Create(&row).Error
	case err == nil:
		err = m.db.Model(&row).Update("value", value).Error
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[category+"."+name] = value
	m.mu.Unlock()
	return nil
}

// All returns the effective value of every known setting.
func (m *ConfigManager) All() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.defaults))
	for k, v := range m.defaults {
		out[k] = v
	}
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
