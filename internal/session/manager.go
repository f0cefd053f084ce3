// Package session owns the session records and the one browser driver each
// connected session holds.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/browser"
	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/eventchan"
	"github.com/talkincode/wablast/pkg/common"
)

// TopicStatus is the EventBus topic every status change is published on.
// Subscribers receive a StatusChange.
const TopicStatus = "session:status"

// StatusChange is published on TopicStatus.
type StatusChange struct {
	SessionID int64
	From      string
	To        string
	Reason    string
}

// Driver is the part of the browser driver the manager uses.
type Driver interface {
	Connect(ctx context.Context, timeout time.Duration) (*browser.ConnectResult, error)
	Send(ctx context.Context, recipient, body, mediaRef string) domain.SendResult
	Alive(ctx context.Context) error
	Disconnect()
}

// DriverFactory builds a driver for one connect attempt.
type DriverFactory func(sessionID int64, life browser.Lifecycle, opts ConnectOptions, observers *eventchan.Observers) Driver

// ConnectOptions per connect call.
type ConnectOptions struct {
	Headless bool
	Timeout  time.Duration
}

// ConnectResult is what Connect reports to callers. Failures are carried in
// Status "error" and Error, not in the Go error return.
type ConnectResult struct {
	SessionID int64  `json:"session_id,string"`
	Status    string `json:"status"`
	LoginCode string `json:"login_code,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	Error     string `json:"error,omitempty"`
}

type handle struct {
	id        int64
	mu        sync.Mutex // serializes every driver call
	driver    Driver
	observers *eventchan.Observers
	lastOpts  ConnectOptions
	optsSet   bool

	cmu    sync.Mutex
	cancel context.CancelFunc // aborts an in-flight Connect
}

func (h *handle) setCancel(c context.CancelFunc) {
	h.cmu.Lock()
	h.cancel = c
	h.cmu.Unlock()
}

func (h *handle) abortConnect() {
	h.cmu.Lock()
	c := h.cancel
	h.cmu.Unlock()
	if c != nil {
		c()
	}
}

// Manager is the session registry.
type Manager struct {
	db             *gorm.DB
	bus            EventBus.Bus
	newDriver      DriverFactory
	connectTimeout time.Duration
	defaults       ConnectOptions // used until a session has been connected once

	mu      sync.RWMutex
	handles map[int64]*handle
}

func NewManager(db *gorm.DB, bus EventBus.Bus, factory DriverFactory, connectTimeout time.Duration) *Manager {
	if bus == nil {
		bus = EventBus.New()
	}
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &Manager{
		db:             db,
		bus:            bus,
		newDriver:      factory,
		connectTimeout: connectTimeout,
		defaults:       ConnectOptions{Headless: true},
		handles:        make(map[int64]*handle),
	}
}

// BrowserFactory returns a DriverFactory backed by real browser drivers.
// base carries everything except the per-connect headless flag and observers.
func BrowserFactory(launcher browser.Launcher, base browser.Options) DriverFactory {
	return func(sessionID int64, life browser.Lifecycle, opts ConnectOptions, observers *eventchan.Observers) Driver {
		o := base
		o.Launch.Headless = opts.Headless
		o.Observers = observers
		return browser.NewDriver(sessionID, launcher, life, o)
	}
}

// SetDefaults sets the options used to connect a session that has not been
// connected by this process yet.
func (m *Manager) SetDefaults(opts ConnectOptions) {
	m.defaults = opts
}

// lastOptions returns the options of the session's last Connect, or the defaults.
func (m *Manager) lastOptions(h *handle) ConnectOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.optsSet {
		return h.lastOpts
	}
	return m.defaults
}

// Bus exposes the status bus for subscribers.
func (m *Manager) Bus() EventBus.Bus {
	return m.bus
}

func (m *Manager) handle(id int64) *handle {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.handles[id]; !ok {
		h = &handle{id: id, observers: eventchan.NewObservers()}
		m.handles[id] = h
	}
	return h
}

func (m *Manager) lookup(id int64) (*handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

// Reset marks sessions left connecting or connected by a previous process as
// disconnected. No driver survives a restart.
func (m *Manager) Reset(ctx context.Context) error {
	res := m.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("status IN ?", []string{domain.SessionConnecting, domain.SessionConnected}).
		Updates(map[string]interface{}{"status": domain.SessionDisconnected, "login_code": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		zap.L().Info("session: reset stale sessions", zap.Int64("count", res.RowsAffected))
	}
	return nil
}

// Create inserts a new disconnected session.
func (m *Manager) Create(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, &domain.ValidationError{Field: "name", Reason: "required"}
	}
	var count int64
	if err := m.db.WithContext(ctx).Model(&domain.WaSession{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, &domain.DuplicateNameError{Name: name}
	}
	s := &domain.WaSession{
		ID:       common.UUIDint64(),
		Name:     name,
		Status:   domain.SessionDisconnected,
		IsActive: true,
	}
	if err := m.db.WithContext(ctx).Create(s).Error; err != nil {
		// a concurrent create can win between the count and the insert
		if isUniqueViolation(err) {
			return 0, &domain.DuplicateNameError{Name: name}
		}
		return 0, err
	}
	zap.L().Info("session: created", zap.Int64("session_id", s.ID), zap.String("name", name))
	return s.ID, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// Get loads an active session.
func (m *Manager) Get(ctx context.Context, id int64) (*domain.WaSession, error) {
	var s domain.WaSession
	err := m.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %d: %w", id, err)
		}
		return nil, err
	}
	return &s, nil
}

// List returns every active session, newest first.
func (m *Manager) List(ctx context.Context) ([]domain.WaSession, error) {
	var items []domain.WaSession
	err := m.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at DESC").Find(&items).Error
	return items, err
}

// Device returns the device record of a session, nil when it never authenticated.
func (m *Manager) Device(ctx context.Context, id int64) (*domain.WaDevice, error) {
	var dev domain.WaDevice
	err := m.db.WithContext(ctx).Where("session_id = ?", id).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// transition moves a session to status `to` with a conditional update, so a
// concurrent change in between is reported as an invalid transition.
func (m *Manager) transition(ctx context.Context, id int64, to string, fields map[string]interface{}) error {
	var cur domain.WaSession
	if err := m.db.WithContext(ctx).Select("id", "status").Where("id = ?", id).First(&cur).Error; err != nil {
		return err
	}
	if cur.Status == to && to == domain.SessionDisconnected {
		return nil
	}
	if err := checkTransition(cur.Status, to); err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = to
	res := m.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("id = ? AND status = ?", id, cur.Status).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s -> %s (concurrent change)", domain.ErrInvalidTransition, cur.Status, to)
	}

	reason, _ := fields["last_error"].(string)
	zap.L().Info("session: status changed",
		zap.Int64("session_id", id),
		zap.String("from", cur.Status),
		zap.String("to", to),
		zap.String("reason", reason))
	m.bus.Publish(TopicStatus, StatusChange{SessionID: id, From: cur.Status, To: to, Reason: reason})
	return nil
}

func (m *Manager) fail(ctx context.Context, id int64, cause error) string {
	reason := domain.Reason(cause)
	if err := m.transition(ctx, id, domain.SessionError, map[string]interface{}{
		"last_error": reason,
		"login_code": "",
	}); err != nil {
		zap.L().Warn("session: mark error failed", zap.Int64("session_id", id), zap.Error(err))
	}
	return reason
}

// release tears the driver down and leaves the session disconnected.
// The handle lock must be held.
func (m *Manager) release(ctx context.Context, h *handle) {
	if h.driver != nil {
		h.driver.Disconnect()
		h.driver = nil
	}
	if err := m.transition(ctx, h.id, domain.SessionDisconnected, map[string]interface{}{"login_code": ""}); err != nil {
		zap.L().Warn("session: mark disconnected failed", zap.Int64("session_id", h.id), zap.Error(err))
	}
}

// Connect starts a fresh connection attempt. Any previous driver is released
// first, so an errored or connected session retries from disconnected.
func (m *Manager) Connect(ctx context.Context, id int64, opts ConnectOptions) (*ConnectResult, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.connectTimeout
	}

	h := m.handle(id)
	h.mu.Lock()
	defer h.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	h.setCancel(cancel)
	defer func() {
		h.setCancel(nil)
		cancel()
	}()

	// bookkeeping writes must land even when the caller gives up
	bctx := context.WithoutCancel(ctx)

	m.release(bctx, h)
	h.lastOpts = opts
	h.optsSet = true
	if err := m.transition(bctx, id, domain.SessionConnecting, map[string]interface{}{"last_error": ""}); err != nil {
		return nil, err
	}

	drv := m.newDriver(id, &lifecycle{m: m, id: id}, opts, h.observers)
	h.driver = drv

	res, err := drv.Connect(cctx, opts.Timeout)
	if err != nil {
		drv.Disconnect()
		h.driver = nil
		reason := m.fail(bctx, id, err)
		zap.L().Error("session: connect failed", zap.Int64("session_id", id), zap.Error(err))
		return &ConnectResult{SessionID: id, Status: domain.SessionError, Error: reason}, nil
	}

	if res.Authenticated {
		return &ConnectResult{SessionID: id, Status: domain.SessionConnected}, nil
	}

	code := res.Code.DataURL()
	if err := m.db.WithContext(bctx).Model(&domain.WaSession{}).Where("id = ?", id).
		Update("login_code", code).Error; err != nil {
		zap.L().Warn("session: store login code failed", zap.Int64("session_id", id), zap.Error(err))
	}
	return &ConnectResult{
		SessionID: id,
		Status:    domain.SessionConnecting,
		LoginCode: code,
		Strategy:  res.Code.Strategy,
	}, nil
}

// RefreshCode reconnects with the options of the last Connect.
func (m *Manager) RefreshCode(ctx context.Context, id int64) (*ConnectResult, error) {
	return m.Connect(ctx, id, m.lastOptions(m.handle(id)))
}

// Status returns the session, running the liveness probe on connected ones.
// A session whose driver is busy is returned as stored.
func (m *Manager) Status(ctx context.Context, id int64) (*domain.WaSession, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SessionConnected {
		return s, nil
	}
	h := m.handle(id)
	if !h.mu.TryLock() {
		return s, nil
	}
	err = m.probe(ctx, h)
	h.mu.Unlock()
	if err != nil {
		return m.Get(ctx, id)
	}
	return s, nil
}

// probe checks the driver of a connected session and moves a dead one to error.
// The handle lock must be held.
func (m *Manager) probe(ctx context.Context, h *handle) error {
	var err error
	if h.driver == nil {
		err = &domain.ConnectionError{Op: "probe", Err: errors.New("no live browser for session")}
	} else {
		err = h.driver.Alive(ctx)
	}
	if err == nil {
		return nil
	}
	zap.L().Warn("session: liveness probe failed", zap.Int64("session_id", h.id), zap.Error(err))
	if h.driver != nil {
		h.driver.Disconnect()
		h.driver = nil
	}
	m.fail(context.WithoutCancel(ctx), h.id, err)
	return err
}

// EnsureConnected returns nil when the session can send right now.
// A connected session is probed. A disconnected, errored or dead session gets
// one connect attempt with its last options; a stored login lets that attempt
// end connected. A session waiting for its login code to be scanned is not
// connected, and neither is one whose attempt shows a new code.
func (m *Manager) EnsureConnected(ctx context.Context, id int64) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	switch s.Status {
	case domain.SessionConnecting:
		return &domain.NotConnectedError{SessionID: id, Status: s.Status}
	case domain.SessionConnected:
		h := m.handle(id)
		h.mu.Lock()
		err = m.probe(ctx, h)
		h.mu.Unlock()
		if err == nil {
			return nil
		}
	}

	zap.L().Info("session: connecting before send", zap.Int64("session_id", id), zap.String("status", s.Status))
	res, err := m.Connect(ctx, id, m.lastOptions(m.handle(id)))
	if err != nil {
		return err
	}
	switch res.Status {
	case domain.SessionConnected:
		return nil
	case domain.SessionError:
		return &domain.ConnectionError{Op: "connect", Err: errors.New(res.Error)}
	default:
		return &domain.NotConnectedError{SessionID: id, Status: res.Status}
	}
}

// Send delivers one message through the session's driver.
func (m *Manager) Send(ctx context.Context, id int64, recipient, body, mediaRef string) domain.SendResult {
	h, ok := m.lookup(id)
	if !ok {
		return domain.SendResult{Err: &domain.NotConnectedError{SessionID: id, Status: domain.SessionDisconnected}}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil {
		return domain.SendResult{Err: &domain.NotConnectedError{SessionID: id, Status: domain.SessionDisconnected}}
	}
	return h.driver.Send(ctx, recipient, body, mediaRef)
}

// Disconnect releases the browser and marks the session disconnected.
// An in-flight Connect is aborted first.
func (m *Manager) Disconnect(ctx context.Context, id int64) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	h := m.handle(id)
	h.abortConnect()
	h.mu.Lock()
	defer h.mu.Unlock()
	m.release(context.WithoutCancel(ctx), h)
	return nil
}

// Delete disconnects the session and soft deletes it.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	if err := m.Disconnect(ctx, id); err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Model(&domain.WaSession{}).Where("id = ?", id).
		Update("is_active", false).Error; err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
	zap.L().Info("session: deleted", zap.Int64("session_id", id))
	return nil
}

// Subscribe adds an event observer to the session. The returned func removes it.
func (m *Manager) Subscribe(id int64, o eventchan.Observer) func() {
	return m.handle(id).observers.Add(o)
}

// Shutdown releases every driver in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	hs := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, h := range hs {
		h := h
		g.Go(func() error {
			h.abortConnect()
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.driver != nil {
				m.release(ctx, h)
			}
			return nil
		})
	}
	return g.Wait()
}
