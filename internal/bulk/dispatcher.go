// Package bulk sends one message to many recipients, either right away
// through a rate limited worker pool or by queueing one item per recipient.
package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/phone"
	"github.com/talkincode/wablast/internal/queue"
)

// Aggregate outcomes
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

const (
	DefaultMaxWorkers    = 5
	DefaultRatePerMinute = 30
)

// Request for SendBulk. Zero MaxWorkers or RatePerMinute take the dispatcher defaults.
type Request struct {
	SessionID     int64    `json:"session_id,string"`
	Recipients    []string `json:"recipients"`
	Body          string   `json:"body"`
	MediaRef      string   `json:"media_ref"`
	MaxWorkers    int      `json:"max_workers"`
	RatePerMinute int      `json:"rate_per_minute"`
}

// RecipientResult is the outcome for one valid recipient.
type RecipientResult struct {
	Recipient string  `json:"recipient"`
	Status    string  `json:"status"` // sent or failed
	MessageID string  `json:"message_id,omitempty"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// LatencySummary over the send latencies of one dispatch, in milliseconds.
type LatencySummary struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// Report of one SendBulk call. SuccessCount+FailedCount equals the number of
// valid recipients.
type Report struct {
	Status       string            `json:"status"`
	Total        int               `json:"total"`
	SuccessCount int               `json:"success_count"`
	FailedCount  int               `json:"failed_count"`
	Invalid      []string          `json:"invalid_recipients"`
	Results      []RecipientResult `json:"results"`
	Latency      LatencySummary    `json:"latency"`
	ElapsedMs    int64             `json:"elapsed_ms"`
}

// Sender is the session side a dispatch funnels through.
type Sender interface {
	EnsureConnected(ctx context.Context, sessionID int64) error
	Send(ctx context.Context, sessionID int64, recipient, body, mediaRef string) domain.SendResult
}

// Dispatcher runs bulk sends.
type Dispatcher struct {
	sender        Sender
	store         queue.Store
	maxWorkers    int
	ratePerMinute int
}

func NewDispatcher(sender Sender, store queue.Store, maxWorkers, ratePerMinute int) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultRatePerMinute
	}
	return &Dispatcher{sender: sender, store: store, maxWorkers: maxWorkers, ratePerMinute: ratePerMinute}
}

// SubmitDelay is the fixed spacing between two submissions to the pool.
func SubmitDelay(ratePerMinute int) time.Duration {
	if ratePerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(ratePerMinute)
}

// SendBulk validates every recipient up front, then submits the valid ones to
// a pool of MaxWorkers with a fixed delay between submissions. Cancelling ctx
// stops further submissions; recipients never submitted are reported failed.
func (d *Dispatcher) SendBulk(ctx context.Context, req Request) (*Report, error) {
	if err := queue.ValidatePayload(req.Body, req.MediaRef); err != nil {
		return nil, err
	}
	valid, invalid := phone.Split(req.Recipients)
	if len(valid) == 0 {
		return nil, &domain.NoValidRecipientsError{Invalid: len(invalid)}
	}
	if err := d.sender.EnsureConnected(ctx, req.SessionID); err != nil {
		return nil, err
	}

	workers := req.MaxWorkers
	if workers <= 0 {
		workers = d.maxWorkers
	}
	rate := req.RatePerMinute
	if rate <= 0 {
		rate = d.ratePerMinute
	}
	delay := SubmitDelay(rate)

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		zap.S().Errorf("bulk: send worker panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	log := zap.L().With(zap.Int64("session_id", req.SessionID))
	log.Info("bulk: dispatch started",
		zap.Int("valid", len(valid)),
		zap.Int("invalid", len(invalid)),
		zap.Int("workers", workers),
		zap.Duration("delay", delay))

	start := time.Now()
	results := make([]RecipientResult, len(valid))
	var wg sync.WaitGroup

	submitted := 0
submit:
	for i, to := range valid {
		if i > 0 && delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				break submit
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			break
		}
		i, to := i, to
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = d.sendOne(ctx, req, to)
		})
		if err != nil {
			wg.Done()
			results[i] = RecipientResult{Recipient: to, Status: StatusFailed, Error: err.Error()}
		}
		submitted = i + 1
	}
	for i := submitted; i < len(valid); i++ {
		results[i] = RecipientResult{Recipient: valid[i], Status: StatusFailed, Error: "not sent: " + context.Cause(ctx).Error()}
	}
	wg.Wait()

	rep := summarize(results)
	rep.Invalid = invalid
	rep.ElapsedMs = time.Since(start).Milliseconds()
	log.Info("bulk: dispatch finished",
		zap.String("status", rep.Status),
		zap.Int("success", rep.SuccessCount),
		zap.Int("failed", rep.FailedCount),
		zap.Int64("elapsed_ms", rep.ElapsedMs))
	return rep, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, req Request, to string) RecipientResult {
	start := time.Now()
	res := d.sender.Send(ctx, req.SessionID, to, req.Body, req.MediaRef)
	rr := RecipientResult{
		Recipient: to,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if res.Success {
		rr.Status = "sent"
		rr.MessageID = res.ExternalID
		return rr
	}
	rr.Status = StatusFailed
	if res.Err != nil {
		rr.Error = domain.Reason(res.Err)
	}
	return rr
}

func summarize(results []RecipientResult) *Report {
	rep := &Report{Total: len(results), Results: results}
	lat := make(stats.Float64Data, 0, len(results))
	for _, r := range results {
		if r.Status == "sent" {
			rep.SuccessCount++
		} else {
			rep.FailedCount++
		}
		if r.LatencyMs > 0 {
			lat = append(lat, r.LatencyMs)
		}
	}
	switch {
	case rep.FailedCount == 0:
		rep.Status = StatusSuccess
	case rep.SuccessCount > 0:
		rep.Status = StatusPartial
	default:
		rep.Status = StatusFailed
	}
	if len(lat) > 0 {
		rep.Latency.Min, _ = stats.Min(lat)
		rep.Latency.Max, _ = stats.Max(lat)
		rep.Latency.Mean, _ = stats.Mean(lat)
		rep.Latency.Median, _ = stats.Median(lat)
		rep.Latency.P95, _ = stats.Percentile(lat, 95)
	}
	return rep
}

// EnqueueReport is the result of EnqueueBulk.
type EnqueueReport struct {
	Status       string          `json:"status"`
	SuccessCount int             `json:"success_count"`
	FailedCount  int             `json:"failed_count"`
	QueueIDs     []string        `json:"queue_ids"`
	Failed       []FailedEnqueue `json:"failed_recipients"`
}

// FailedEnqueue names a recipient that could not be queued.
type FailedEnqueue struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// EnqueueRequest queues the same payload for many recipients.
type EnqueueRequest struct {
	SessionID   int64      `json:"session_id,string"`
	Recipients  []string   `json:"recipients"`
	Body        string     `json:"body"`
	MediaRef    string     `json:"media_ref"`
	Priority    int        `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// EnqueueBulk queues one item per recipient. Invalid recipients are reported,
// not fatal.
func (d *Dispatcher) EnqueueBulk(ctx context.Context, req EnqueueRequest) (*EnqueueReport, error) {
	if len(req.Recipients) == 0 {
		return nil, &domain.ValidationError{Field: "recipients", Reason: "no recipients provided"}
	}
	if err := queue.ValidatePayload(req.Body, req.MediaRef); err != nil {
		return nil, err
	}
	rep := &EnqueueReport{}
	for _, raw := range req.Recipients {
		item, err := d.store.Enqueue(ctx, queue.EnqueueRequest{
			SessionID:   req.SessionID,
			Recipient:   raw,
			Body:        req.Body,
			MediaRef:    req.MediaRef,
			Priority:    req.Priority,
			ScheduledAt: req.ScheduledAt,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			rep.FailedCount++
			rep.Failed = append(rep.Failed, FailedEnqueue{Recipient: raw, Error: err.Error()})
			continue
		}
		rep.SuccessCount++
		rep.QueueIDs = append(rep.QueueIDs, fmt.Sprint(item.ID))
	}
	switch {
	case rep.FailedCount == 0:
		rep.Status = StatusSuccess
	case rep.SuccessCount > 0:
		rep.Status = StatusPartial
	default:
		rep.Status = StatusFailed
	}
	zap.L().Info("bulk: enqueued",
		zap.Int64("session_id", req.SessionID),
		zap.Int("queued", rep.SuccessCount),
		zap.Int("failed", rep.FailedCount))
	return rep, nil
}
