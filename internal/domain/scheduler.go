package domain

import "time"

// Scheduler task types
const (
	TaskRequeueStuck = "requeue_stuck"
	TaskSessionProbe = "session_probe"
)

// WaScheduler a periodic maintenance task, run by the scheduler loop when
// NextRunAt has passed.
type WaScheduler struct {
	ID          int64     `json:"id,string" form:"id"`
	Name        string    `json:"name" form:"name" gorm:"size:100;uniqueIndex"`
	TaskType    string    `json:"task_type" form:"task_type" gorm:"size:50;index"` // requeue_stuck, session_probe
	Interval    int       `json:"interval" form:"interval"`                          // seconds
	Status      string    `json:"status" form:"status"`                              // enabled, disabled
	LastRunAt   time.Time `json:"last_run_at"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastResult  string    `json:"last_result"` // success, failed
	LastMessage string    `json:"last_message"`
	Config      string    `json:"config" form:"config"` // task specific JSON
	Remark      string    `json:"remark" form:"remark"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (WaScheduler) TableName() string {
	return "wa_scheduler"
}
