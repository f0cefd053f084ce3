package app

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/pkg/common"
)

// seedValues are file config values that take precedence over schema defaults
// when a setting is first created.
func (a *Application) seedValues() map[string]string {
	seeds := map[string]string{}
	put := func(key string, v int) {
		if v > 0 {
			seeds[key] = strconv.Itoa(v)
		}
	}
	cfg := a.appConfig
	put("queue.max_retries", cfg.Queue.MaxRetries)
	put("queue.batch_size", cfg.Queue.BatchSize)
	put("bulk.max_workers", cfg.Bulk.MaxWorkers)
	put("bulk.rate_per_minute", cfg.Bulk.RatePerMinute)
	return seeds
}

func (a *Application) checkSettings() {
	seeds := a.seedValues()
	for sortid, schema := range loadSchemas() {
		// Parse key: "category.name" -> category, name
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}
		category, name := parts[0], parts[1]

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)
		if count > 0 {
			continue
		}

		value := common.IfEmptyStr(seeds[schema.Key], schema.Default)
		if err := a.gormDB.Create(&domain.SysConfig{
			ID:     common.UUIDint64(),
			Sort:   sortid,
			Type:   category,
			Name:   name,
			Value:  value,
			Remark: schema.Description,
		}).Error; err != nil {
			zap.L().Error("failed to create config", zap.String("key", schema.Key), zap.Error(err))
			continue
		}
		zap.L().Info("initialized config",
			zap.String("key", schema.Key),
			zap.String("value", value))
	}
}

// checkSchedulers initializes default maintenance tasks
func (a *Application) checkSchedulers() {
	defaultSchedulers := []domain.WaScheduler{
		{
			Name:     "Requeue Stuck Messages",
			TaskType: domain.TaskRequeueStuck,
			Interval: 600, // 10 minutes
			Status:   common.DISABLED, // operator enables it once crashed sends are checked
			Remark:   "Charges messages left in processing after a crash one failed attempt",
		},
		{
			Name:     "Session Liveness Probe",
			TaskType: domain.TaskSessionProbe,
			Interval: 60,
			Status:   common.ENABLED,
			Remark:   "Probes connected sessions and marks dead ones as error",
		},
	}

	for _, sched := range defaultSchedulers {
		var count int64
		a.gormDB.Model(&domain.WaScheduler{}).
			Where("task_type = ?", sched.TaskType).
			Count(&count)
		if count > 0 {
			continue
		}
		sched.ID = common.UUIDint64()
		sched.NextRunAt = time.Now().Add(time.Duration(sched.Interval) * time.Second)
		if err := a.gormDB.Create(&sched).Error; err != nil {
			zap.L().Error("failed to create default scheduler",
				zap.String("name", sched.Name),
				zap.Error(err))
		} else {
			zap.L().Info("initialized default scheduler",
				zap.String("name", sched.Name),
				zap.String("task_type", sched.TaskType))
		}
	}
}
