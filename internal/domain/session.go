package domain

import "time"

// Session status values
const (
	SessionDisconnected = "disconnected"
	SessionConnecting   = "connecting"
	SessionConnected    = "connected"
	SessionError        = "error"
)

// WaSession is one logical authenticated connection to the web client,
// backed by a single browser automation instance.
type WaSession struct {
	ID              int64      `json:"id,string" gorm:"primaryKey"`
	Name            string     `json:"name" gorm:"size:100;uniqueIndex"`
	Status          string     `json:"status" gorm:"size:20;index"` // disconnected, connecting, connected, error
	LoginCode       string     `json:"login_code,omitempty" gorm:"type:text"` // data:image/png;base64,...
	Artifact        string     `json:"-" gorm:"type:text"`                     // serialized client storage
	LastError       string     `json:"last_error"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
	IsActive        bool       `json:"is_active" gorm:"default:true;index"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (WaSession) TableName() string {
	return "wa_session"
}

// WaDevice is the identity reported by the web client after authentication.
type WaDevice struct {
	ID          int64     `json:"id,string" gorm:"primaryKey"`
	SessionID   int64     `json:"session_id,string" gorm:"index"`
	DeviceID    string    `json:"device_id" gorm:"size:64"`
	PhoneNumber string    `json:"phone_number" gorm:"size:32;index"`
	DeviceName  string    `json:"device_name"`
	Platform    string    `json:"platform" gorm:"size:64"`
	IsPrimary   bool      `json:"is_primary"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (WaDevice) TableName() string {
	return "wa_device"
}
