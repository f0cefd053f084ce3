package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/pkg/common"
)

// StartSchedulerService runs enabled schedulers periodically
func (a *Application) StartSchedulerService(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runSchedulers(ctx)
			}
		}
	}()
}

// runSchedulers executes enabled schedulers whose next_run_at has passed
func (a *Application) runSchedulers(ctx context.Context) {
	var schedulers []domain.WaScheduler
	a.gormDB.Where("status = ?", common.ENABLED).Find(&schedulers)
	now := time.Now()
	for i := range schedulers {
		sched := &schedulers[i]
		if sched.NextRunAt.IsZero() || !now.Before(sched.NextRunAt) {
			a.runScheduler(ctx, sched)
		}
	}
}

// RunSchedulerNow triggers a scheduler execution immediately by ID
func (a *Application) RunSchedulerNow(id int64) error {
	var sched domain.WaScheduler
	if err := a.gormDB.First(&sched, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("scheduler %d not found: %w", id, err)
		}
		return err
	}
	return a.runScheduler(context.Background(), &sched)
}

func (a *Application) runScheduler(ctx context.Context, sched *domain.WaScheduler) error {
	var (
		msg string
		err error
	)
	switch sched.TaskType {
	case domain.TaskRequeueStuck:
		msg, err = a.runRequeueStuck(ctx)
	case domain.TaskSessionProbe:
		msg, err = a.runSessionProbe(ctx)
	default:
		err = fmt.Errorf("unknown task type %q", sched.TaskType)
	}

	result := "success"
	if err != nil {
		result = "failed"
		msg = err.Error()
		zap.L().Warn("scheduler: task failed",
			zap.String("name", sched.Name),
			zap.String("task_type", sched.TaskType),
			zap.Error(err))
	}
	now := time.Now()
	a.gormDB.Model(&domain.WaScheduler{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at":  now,
		"next_run_at":  now.Add(time.Duration(sched.Interval) * time.Second),
		"last_result":  result,
		"last_message": msg,
	})
	return err
}

// runRequeueStuck returns crashed deliveries to pending.
func (a *Application) runRequeueStuck(ctx context.Context) (string, error) {
	minutes := a.configManager.GetInt("queue", "stuck_minutes")
	if minutes <= 0 {
		minutes = 10
	}
	n, err := a.store.RequeueStuck(ctx, time.Duration(minutes)*time.Minute)
	if err != nil {
		return "", err
	}
	if n > 0 {
		zap.L().Warn("queue: released stuck items", zap.Int64("count", n))
	}
	return fmt.Sprintf("%d stuck items released", n), nil
}

// runSessionProbe checks every connected session; dead ones move to error.
func (a *Application) runSessionProbe(ctx context.Context) (string, error) {
	if !a.configManager.GetBool("session", "auto_probe") {
		return "probe disabled", nil
	}
	sessions, err := a.sessions.List(ctx)
	if err != nil {
		return "", err
	}
	var probed, lost int
	for _, s := range sessions {
		if s.Status != domain.SessionConnected {
			continue
		}
		probed++
		cur, err := a.sessions.Status(ctx, s.ID)
		if err != nil {
			zap.L().Warn("session: probe failed", zap.Int64("session_id", s.ID), zap.Error(err))
			continue
		}
		if cur.Status != domain.SessionConnected {
			lost++
		}
	}
	return fmt.Sprintf("%d probed, %d lost", probed, lost), nil
}
