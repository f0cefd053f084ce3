package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/phone"
	"github.com/talkincode/wablast/pkg/common"
)

var (
	// ErrNotPending is returned when an item was claimed or finished by someone else.
	ErrNotPending     = errors.New("queue item is not pending")
	errUnknownFailure = errors.New("send failed without a reason")
	errInterrupted    = errors.New("interrupted while processing, delivery unknown")
)

// EnqueueRequest is the ingestion contract.
type EnqueueRequest struct {
	SessionID   int64      `json:"session_id,string"`
	Recipient   string     `json:"recipient"`
	Body        string     `json:"body"`
	MediaRef    string     `json:"media_ref"`
	Priority    int        `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	MaxRetries  int        `json:"max_retries"`
}

// StatusView answers the status query contract.
type StatusView struct {
	QueueID     int64                 `json:"queue_id,string"`
	Status      string                `json:"status"`
	RetryCount  int                   `json:"retry_count"`
	MaxRetries  int                   `json:"max_retries"`
	LatestEvent *domain.WaStatusEvent `json:"latest_event,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	SessionID int64
	Status    string
	Recipient string
}

// Store persists queue items and their status history.
type Store interface {
	// Enqueue validates and inserts a pending item
	Enqueue(ctx context.Context, req EnqueueRequest) (*domain.WaQueueItem, error)

	// FetchDue returns pending items whose schedule has passed, most urgent then oldest first.
	// A nil sessionID spans every session.
	FetchDue(ctx context.Context, sessionID *int64, limit int) ([]*domain.WaQueueItem, error)

	// MarkProcessing moves a pending item to processing
	MarkProcessing(ctx context.Context, id int64) error

	// Commit persists the item state and appends ev in one transaction
	Commit(ctx context.Context, item *domain.WaQueueItem, ev *domain.WaStatusEvent) error

	Get(ctx context.Context, id int64) (*domain.WaQueueItem, error)
	StatusOf(ctx context.Context, id int64) (*StatusView, error)
	History(ctx context.Context, id int64) ([]*domain.WaStatusEvent, error)

	// SessionsWithDue lists sessions that have at least one due item
	SessionsWithDue(ctx context.Context) ([]int64, error)

	List(ctx context.Context, f Filter, page, pageSize int) ([]*domain.WaQueueItem, int64, error)
	Counts(ctx context.Context) (map[string]int64, error)

	// Delete removes an item and its history. Operator action only.
	Delete(ctx context.Context, id int64) error

	// RequeueStuck charges items left in processing for longer than age one
	// failed attempt, so each returns to pending or fails when out of retries.
	// Operator action only.
	RequeueStuck(ctx context.Context, age time.Duration) (int64, error)
}

// GormStore is the GORM implementation of Store
type GormStore struct {
	db         *gorm.DB
	maxRetries int
	now        func() time.Time
}

// NewGormStore creates a store. maxRetries is the default for items that do not set one.
func NewGormStore(db *gorm.DB, maxRetries int) *GormStore {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &GormStore{db: db, maxRetries: maxRetries, now: time.Now}
}

func (s *GormStore) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.WaQueueItem, error) {
	if req.SessionID == 0 {
		return nil, &domain.ValidationError{Field: "session_id", Reason: "session is required"}
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, &domain.ValidationError{Field: "recipient", Reason: "recipient is required"}
	}
	recipient, err := phone.Normalize(req.Recipient)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(req.Body, req.MediaRef); err != nil {
		return nil, err
	}
	var active int64
	if err := s.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("id = ? AND is_active = ?", req.SessionID, true).
		Count(&active).Error; err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if active == 0 {
		return nil, &domain.ValidationError{Field: "session_id", Reason: fmt.Sprintf("session %d not found", req.SessionID)}
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	now := s.now()
	item := &domain.WaQueueItem{
		ID:          common.UUIDint64(),
		SessionID:   req.SessionID,
		Recipient:   recipient,
		Body:        req.Body,
		MediaRef:    req.MediaRef,
		Priority:    req.Priority,
		Status:      domain.QueuePending,
		MaxRetries:  maxRetries,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	ev := &domain.WaStatusEvent{
		ID:        common.UUIDint64(),
		QueueID:   item.ID,
		Status:    domain.QueuePending,
		Timestamp: now,
	}
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("enqueue event: %w", err)
	}
	return item, nil
}

func (s *GormStore) FetchDue(ctx context.Context, sessionID *int64, limit int) ([]*domain.WaQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []*domain.WaQueueItem
	q := s.db.WithContext(ctx).
		Where("status = ?", domain.QueuePending).
		Where("(scheduled_at IS NULL OR scheduled_at <= ?)", s.now())
	if sessionID != nil {
		q = q.Where("session_id = ?", *sessionID)
	}
	err := q.Order("priority DESC").
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *GormStore) MarkProcessing(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).
		Model(&domain.WaQueueItem{}).
		Where("id = ? AND status = ?", id, domain.QueuePending).
		Updates(map[string]interface{}{
			"status":     domain.QueueProcessing,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *GormStore) Commit(ctx context.Context, item *domain.WaQueueItem, ev *domain.WaStatusEvent) error {
	if item.RetryCount > item.MaxRetries {
		return fmt.Errorf("queue item %d: retry count %d exceeds max %d", item.ID, item.RetryCount, item.MaxRetries)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.WaQueueItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":      item.Status,
				"retry_count": item.RetryCount,
				"last_error":  item.LastError,
				"updated_at":  item.UpdatedAt,
			}).Error
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		if ev.ID == 0 {
			ev.ID = common.UUIDint64()
		}
		ev.QueueID = item.ID
		return tx.Create(ev).Error
	})
}

func (s *GormStore) Get(ctx context.Context, id int64) (*domain.WaQueueItem, error) {
	var item domain.WaQueueItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *GormStore) StatusOf(ctx context.Context, id int64) (*StatusView, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		QueueID:    item.ID,
		Status:     item.Status,
		RetryCount: item.RetryCount,
		MaxRetries: item.MaxRetries,
	}
	var ev domain.WaStatusEvent
	err = s.db.WithContext(ctx).
		Where("queue_id = ?", id).
		Order("timestamp DESC").
		Order("id DESC").
		First(&ev).Error
	switch {
	case err == nil:
		view.LatestEvent = &ev
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return view, nil
}

func (s *GormStore) History(ctx context.Context, id int64) ([]*domain.WaStatusEvent, error) {
	var events []*domain.WaStatusEvent
	err := s.db.WithContext(ctx).
		Where("queue_id = ?", id).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (s *GormStore) SessionsWithDue(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&domain.WaQueueItem{}).
		Where("status = ?", domain.QueuePending).
		Where("(scheduled_at IS NULL OR scheduled_at <= ?)", s.now()).
		Where("session_id IN (?)", s.db.Model(&domain.WaSession{}).Select("id").Where("is_active = ?", true)).
		Distinct().
		Pluck("session_id", &ids).Error
	return ids, err
}

func (s *GormStore) List(ctx context.Context, f Filter, page, pageSize int) ([]*domain.WaQueueItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&domain.WaQueueItem{})
	if f.SessionID != 0 {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Recipient != "" {
		q = q.Where("recipient LIKE ?", "%"+f.Recipient+"%")
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []*domain.WaQueueItem
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error
	return items, total, err
}

func (s *GormStore) Counts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&domain.WaQueueItem{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[string]int64{
		domain.QueuePending:    0,
		domain.QueueProcessing: 0,
		domain.QueueSent:       0,
		domain.QueueFailed:     0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

func (s *GormStore) Delete(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("queue_id = ?", id).Delete(&domain.WaStatusEvent{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.WaQueueItem{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (s *GormStore) RequeueStuck(ctx context.Context, age time.Duration) (int64, error) {
	var stuck []domain.WaQueueItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.QueueProcessing, s.now().Add(-age)).
		Find(&stuck).Error
	if err != nil {
		return 0, err
	}
	var released int64
	for _, item := range stuck {
		next, ev := Apply(item, Outcome{Err: &domain.SendError{Err: errInterrupted}, At: s.now()})
		ev.ID = common.UUIDint64()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&domain.WaQueueItem{}).
				Where("id = ? AND status = ?", item.ID, domain.QueueProcessing).
				Updates(map[string]interface{}{
					"status":      next.Status,
					"retry_count": next.RetryCount,
					"last_error":  next.LastError,
					"updated_at":  next.UpdatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNotPending
			}
			return tx.Create(&ev).Error
		})
		switch {
		case errors.Is(err, ErrNotPending):
			continue
		case err != nil:
			return released, fmt.Errorf("release item %d: %w", item.ID, err)
		}
		released++
	}
	return released, nil
}
