package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/session"
	"github.com/talkincode/wablast/pkg/common"
	"github.com/talkincode/wablast/pkg/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	if loc == nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
		go a.SchedQueueMetricsTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	interval := common.IfEmptyStr(a.appConfig.Queue.Interval, "@every 30s")
	_, err = a.sched.AddFunc(interval, a.SchedQueueProcessTask)
	if err != nil {
		zap.S().Errorf("init queue job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", a.SchedClearExpireData)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge(metrics.SystemCPUUse, int64(_cpuuse[0]*100)) // percentage * 100
	}

	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge(metrics.SystemMemUse, int64(_meminfo.Used/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge(metrics.ProcessCPUUse, int64(cpuuse*100))
	}

	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge(metrics.ProcessMemUse, int64(meminfo.RSS/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}
}

// SchedQueueMetricsTask records queue depth by status and session health.
func (a *Application) SchedQueueMetricsTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := a.store.Counts(ctx)
	if err != nil {
		zap.L().Warn("metrics: queue counts failed", zap.Error(err))
	} else {
		metrics.SetGauge(metrics.QueuePending, counts[domain.QueuePending])
		metrics.SetGauge(metrics.QueueProcessing, counts[domain.QueueProcessing])
		metrics.SetGauge(metrics.QueueSent, counts[domain.QueueSent])
		metrics.SetGauge(metrics.QueueFailed, counts[domain.QueueFailed])
	}
	a.updateSessionGauges(ctx)
}

func (a *Application) updateSessionGauges(ctx context.Context) {
	sessions, err := a.sessions.List(ctx)
	if err != nil {
		zap.L().Warn("metrics: session list failed", zap.Error(err))
		return
	}
	var connected, failed int64
	for _, s := range sessions {
		switch s.Status {
		case domain.SessionConnected:
			connected++
		case domain.SessionError:
			failed++
		}
	}
	metrics.SetGauge(metrics.SessionsConnected, connected)
	metrics.SetGauge(metrics.SessionsError, failed)
}

// SchedQueueProcessTask delivers due queue items of every session.
func (a *Application) SchedQueueProcessTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	batch := a.configManager.GetInt("queue", "batch_size")
	reports, err := a.processor.ProcessDue(context.Background(), batch)
	if err != nil {
		zap.L().Error("queue: run failed", zap.Error(err))
		return
	}
	for _, r := range reports {
		if r == nil || r.Fetched == 0 {
			continue
		}
		zap.L().Info("queue: batch done",
			zap.Int64("session_id", r.SessionID),
			zap.Int("fetched", r.Fetched),
			zap.Int("sent", r.Sent),
			zap.Int("retrying", r.Retrying),
			zap.Int("failed", r.Failed))
	}
}

// SchedClearExpireData trims the operator log.
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	days := a.configManager.GetInt("system", "oprlog_days")
	if days <= 0 {
		days = 365
	}
	a.gormDB.
		Where("opt_time < ? ", time.Now().
			Add(-time.Hour*24*time.Duration(days))).Delete(domain.SysOprLog{})
}

// onSessionStatus records every session status change in the operator log.
func (a *Application) onSessionStatus(c session.StatusChange) {
	desc := fmt.Sprintf("session %d: %s -> %s", c.SessionID, c.From, c.To)
	if c.Reason != "" {
		desc += " (" + c.Reason + ")"
	}
	err := a.gormDB.Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   "system",
		OprIp:     "127.0.0.1",
		OptAction: "session_" + c.To,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}).Error
	if err != nil {
		zap.L().Warn("oprlog: write failed", zap.Error(err))
	}
}
