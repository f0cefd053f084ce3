package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/browser"
	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/phone"
	"github.com/talkincode/wablast/pkg/common"
)

// lifecycle receives driver callbacks for one session. It only touches the
// database and the bus, never the handle, so the driver may call it while the
// handle lock is held.
type lifecycle struct {
	m  *Manager
	id int64
}

var _ browser.Lifecycle = (*lifecycle)(nil)

func (l *lifecycle) SaveArtifact(ctx context.Context, artifact string) error {
	return l.m.db.WithContext(ctx).Model(&domain.WaSession{}).Where("id = ?", l.id).
		Update("artifact", artifact).Error
}

func (l *lifecycle) UpsertDevice(ctx context.Context, dev browser.DeviceInfo) error {
	db := l.m.db.WithContext(ctx)
	deviceID := phone.ChatID("+" + dev.Phone)
	var cur domain.WaDevice
	err := db.Where("session_id = ?", l.id).First(&cur).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&domain.WaDevice{
			ID:          common.UUIDint64(),
			SessionID:   l.id,
			DeviceID:    deviceID,
			PhoneNumber: "+" + dev.Phone,
			DeviceName:  common.IfEmptyStr(dev.Name, common.NA),
			Platform:    common.IfEmptyStr(dev.Platform, "WhatsApp Web"),
			IsPrimary:   true,
		}).Error
	case err != nil:
		return err
	}
	return db.Model(&cur).Updates(map[string]interface{}{
		"device_id":    deviceID,
		"phone_number": "+" + dev.Phone,
		"device_name":  common.IfEmptyStr(dev.Name, common.NA),
		"platform":     common.IfEmptyStr(dev.Platform, "WhatsApp Web"),
	}).Error
}

func (l *lifecycle) Connected(ctx context.Context) error {
	now := time.Now()
	return l.m.transition(ctx, l.id, domain.SessionConnected, map[string]interface{}{
		"login_code":        "",
		"last_error":        "",
		"last_connected_at": &now,
	})
}

func (l *lifecycle) Failed(ctx context.Context, err error) {
	zap.L().Error("session: login failed", zap.Int64("session_id", l.id), zap.Error(err))
	l.m.fail(ctx, l.id, err)
}
