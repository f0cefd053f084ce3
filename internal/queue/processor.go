package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/talkincode/wablast/internal/domain"
)

// SessionSender is the session side the processor drives.
type SessionSender interface {
	// EnsureConnected returns nil when the session can send right now,
	// connecting it first when it is not connected
	EnsureConnected(ctx context.Context, sessionID int64) error
	// Send delivers one message through the session's serialized driver
	Send(ctx context.Context, sessionID int64, recipient, body, mediaRef string) domain.SendResult
}

// BatchReport summarizes one ProcessBatch call.
type BatchReport struct {
	SessionID int64 `json:"session_id,string"`
	Fetched   int   `json:"fetched"`
	Sent      int   `json:"sent"`
	Retrying  int   `json:"retrying"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
}

// Processor drains the queue one item at a time, committing each.
type Processor struct {
	store    Store
	sessions SessionSender
	now      func() time.Time

	running  atomic.Bool
	parallel int

	mu    sync.Mutex
	stats ProcessorStats
}

// ProcessorStats totals since start.
type ProcessorStats struct {
	Runs    int64     `json:"runs"`
	Sent    int64     `json:"sent"`
	Failed  int64     `json:"failed"`
	LastRun time.Time `json:"last_run"`
}

func NewProcessor(store Store, sessions SessionSender) *Processor {
	return &Processor{store: store, sessions: sessions, now: time.Now, parallel: 4}
}

// ProcessBatch delivers up to batchSize due items of one session.
// A session that cannot be connected fails the whole batch without touching items.
func (p *Processor) ProcessBatch(ctx context.Context, sessionID int64, batchSize int) (*BatchReport, error) {
	report := &BatchReport{SessionID: sessionID}
	if err := p.sessions.EnsureConnected(ctx, sessionID); err != nil {
		return report, fmt.Errorf("session %d: %w", sessionID, err)
	}

	items, err := p.store.FetchDue(ctx, &sessionID, batchSize)
	if err != nil {
		return report, fmt.Errorf("fetch due: %w", err)
	}
	report.Fetched = len(items)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		p.processItem(ctx, item, report)
	}

	p.mu.Lock()
	p.stats.Runs++
	p.stats.Sent += int64(report.Sent)
	p.stats.Failed += int64(report.Failed)
	p.stats.LastRun = p.now()
	p.mu.Unlock()

	if report.Fetched > 0 {
		zap.L().Info("queue: batch processed",
			zap.Int64("session_id", sessionID),
			zap.Int("fetched", report.Fetched),
			zap.Int("sent", report.Sent),
			zap.Int("retrying", report.Retrying),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

func (p *Processor) processItem(ctx context.Context, item *domain.WaQueueItem, report *BatchReport) {
	if err := p.store.MarkProcessing(ctx, item.ID); err != nil {
		if !errors.Is(err, ErrNotPending) {
			zap.L().Error("queue: mark processing failed", zap.Int64("queue_id", item.ID), zap.Error(err))
		}
		report.Skipped++
		return
	}
	item.Status = domain.QueueProcessing

	res := p.sessions.Send(ctx, item.SessionID, item.Recipient, item.Body, item.MediaRef)
	next, ev := Apply(*item, OutcomeOf(res, p.now()))

	// the send already happened, so the commit must not be lost to a cancelled ctx
	if err := p.store.Commit(context.WithoutCancel(ctx), &next, &ev); err != nil {
		zap.L().Error("queue: commit failed",
			zap.Int64("queue_id", item.ID),
			zap.String("status", next.Status),
			zap.Error(err))
		return
	}

	switch next.Status {
	case domain.QueueSent:
		report.Sent++
		zap.L().Debug("queue: message sent",
			zap.Int64("queue_id", item.ID),
			zap.String("recipient", item.Recipient),
			zap.String("external_id", res.ExternalID))
	case domain.QueuePending:
		report.Retrying++
		zap.L().Warn("queue: send failed, will retry",
			zap.Int64("queue_id", item.ID),
			zap.Int("retry_count", next.RetryCount),
			zap.Int("max_retries", next.MaxRetries),
			zap.Error(res.Err))
	default:
		report.Failed++
		zap.L().Warn("queue: message failed",
			zap.Int64("queue_id", item.ID),
			zap.String("reason", next.LastError))
	}
}

// ProcessDue runs ProcessBatch for every session with due items. A run that
// starts while the previous one is still active returns immediately.
func (p *Processor) ProcessDue(ctx context.Context, batchSize int) ([]*BatchReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		zap.L().Debug("queue: previous run still active, skipping")
		return nil, nil
	}
	defer p.running.Store(false)

	sessions, err := p.store.SessionsWithDue(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessions with due items: %w", err)
	}

	var (
		mu      sync.Mutex
		reports []*BatchReport
		g       errgroup.Group
	)
	g.SetLimit(p.parallel)
	for _, sid := range sessions {
		sid := sid
		g.Go(func() error {
			report, err := p.ProcessBatch(ctx, sid, batchSize)
			if err != nil {
				zap.L().Warn("queue: batch skipped", zap.Int64("session_id", sid), zap.Error(err))
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return reports, nil
}

// Stats returns totals since start.
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
