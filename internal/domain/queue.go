package domain

import "time"

// Queue item status values
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueSent       = "sent"
	QueueFailed     = "failed"
)

// WaQueueItem one outbound message awaiting or having completed delivery attempts.
// RetryCount never exceeds MaxRetries.
type WaQueueItem struct {
	ID          int64      `json:"id,string" gorm:"primaryKey"`
	SessionID   int64      `json:"session_id,string" gorm:"index"`
	Recipient   string     `json:"recipient" gorm:"size:32"`               // E.164
	Body        string     `json:"body" gorm:"type:text"`                  // empty when media only
	MediaRef    string     `json:"media_ref"`                              // http(s) url
	Priority    int        `json:"priority" gorm:"default:0;index"`        // higher is more urgent
	Status      string     `json:"status" gorm:"size:20;index"`            // pending, processing, sent, failed
	RetryCount  int        `json:"retry_count" gorm:"default:0"`
	MaxRetries  int        `json:"max_retries" gorm:"default:3"`
	ScheduledAt *time.Time `json:"scheduled_at" gorm:"index"`
	LastError   string     `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName specifies the table name
func (WaQueueItem) TableName() string {
	return "wa_queue"
}

// WaStatusEvent append-only delivery history of a queue item
type WaStatusEvent struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	QueueID      int64     `json:"queue_id,string" gorm:"index"`
	Status       string    `json:"status"`
	ExternalID   string    `json:"external_id"` // message id assigned by the web client
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp" gorm:"index"`
}

// TableName specifies the table name
func (WaStatusEvent) TableName() string {
	return "wa_status_event"
}
