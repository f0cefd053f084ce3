// Package browser drives one headless browser instance per session against the web client.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/codeextract"
	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/eventchan"
	"github.com/talkincode/wablast/internal/media"
	"github.com/talkincode/wablast/internal/phone"
)

// Driver states
const (
	StateIdle      = "idle"
	StateWaiting   = "waiting" // login code shown, waiting for the scan
	StateConnected = "connected"
	StateClosed    = "closed"
)

const (
	DefaultEntryURL      = "https://web.whatsapp.com/"
	DefaultAuthIndicator = "#pane-side"
	DefaultCodeSurface   = `canvas[aria-label*="Scan"], div[data-ref] canvas, [data-testid="qrcode"]`
)

// DeviceInfo identity reported by the client after authentication.
type DeviceInfo struct {
	Phone    string
	Name     string
	Platform string
}

// Lifecycle receives the results of the post-authentication sequence.
// It is called from the driver's own goroutines and must not call back into the driver.
type Lifecycle interface {
	SaveArtifact(ctx context.Context, artifact string) error
	UpsertDevice(ctx context.Context, dev DeviceInfo) error
	Connected(ctx context.Context) error
	Failed(ctx context.Context, err error)
}

// MediaFetcher downloads a media reference before sending.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) (*media.Media, error)
}

// EventDialer opens the event channel source for a websocket url.
type EventDialer func(ctx context.Context, url, origin string) (eventchan.Source, error)

// Options configure a Driver.
type Options struct {
	EntryURL         string
	AuthIndicator    string
	CodeSurface      string
	AuthCheckTimeout time.Duration
	LoginTimeout     time.Duration
	Launch           LaunchOptions
	Pipeline         *codeextract.Pipeline
	Media            MediaFetcher
	DialEvents       EventDialer
	Observers        *eventchan.Observers
}

func (o *Options) setDefaults() {
	if o.EntryURL == "" {
		o.EntryURL = DefaultEntryURL
	}
	if o.AuthIndicator == "" {
		o.AuthIndicator = DefaultAuthIndicator
	}
	if o.CodeSurface == "" {
		o.CodeSurface = DefaultCodeSurface
	}
	if o.AuthCheckTimeout <= 0 {
		o.AuthCheckTimeout = 15 * time.Second
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 2 * time.Minute
	}
	if o.Pipeline == nil {
		o.Pipeline = codeextract.New(nil)
	}
	if o.Observers == nil {
		o.Observers = eventchan.NewObservers()
	}
}

// ConnectResult is either an authenticated session or a login code to scan.
type ConnectResult struct {
	Authenticated bool
	Code          *codeextract.Result
}

// Driver owns one browser instance for one session. It is not safe for
// concurrent use; callers serialize through the session handle.
type Driver struct {
	sessionID int64
	launcher  Launcher
	life      Lifecycle
	opts      Options

	mu       sync.Mutex
	state    string
	page     Page
	listener *eventchan.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDriver(sessionID int64, launcher Launcher, life Lifecycle, opts Options) *Driver {
	opts.setDefaults()
	return &Driver{
		sessionID: sessionID,
		launcher:  launcher,
		life:      life,
		opts:      opts,
		state:     StateIdle,
	}
}

// State returns the driver state.
func (d *Driver) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Connect launches the browser, opens the entry url and races the
// authenticated view against the login code surface.
func (d *Driver) Connect(ctx context.Context, timeout time.Duration) (*ConnectResult, error) {
	d.Disconnect()

	page, err := d.launcher.Launch(ctx, d.opts.Launch)
	if err != nil {
		var cfgErr *domain.ConfigurationError
		var connErr *domain.ConnectionError
		if errors.As(err, &cfgErr) || errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &domain.ConnectionError{Op: "launch browser", Err: err}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.page = page
	d.cancel = cancel
	d.state = StateIdle
	d.mu.Unlock()

	if err := page.Goto(ctx, d.opts.EntryURL); err != nil {
		d.Disconnect()
		return nil, &domain.ConnectionError{Op: "navigate " + d.opts.EntryURL, Err: err}
	}

	winner := d.race(ctx, page, timeout)
	switch winner {
	case "auth":
		zap.L().Info("browser: session already authenticated", zap.Int64("session_id", d.sessionID))
		if err := d.finishLogin(watchCtx, page); err != nil {
			d.Disconnect()
			return nil, err
		}
		return &ConnectResult{Authenticated: true}, nil
	case "code":
		res := d.opts.Pipeline.Extract(ctx, page)
		if res.Status != codeextract.StatusOK {
			d.Disconnect()
			return nil, res.Err
		}
		d.mu.Lock()
		d.state = StateWaiting
		d.mu.Unlock()
		d.wg.Add(1)
		go d.awaitLogin(watchCtx, page)
		return &ConnectResult{Code: res}, nil
	default:
		d.Disconnect()
		if err := ctx.Err(); err != nil {
			return nil, &domain.ConnectionError{Op: "connect", Err: err}
		}
		return nil, &domain.ExtractionTimeoutError{Timeout: timeout}
	}
}

// race waits for the authenticated indicator and the code surface with
// independent timeouts. It returns "auth", "code" or "" when neither appeared.
func (d *Driver) race(ctx context.Context, page Page, timeout time.Duration) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		which string
		err   error
	}
	results := make(chan outcome, 2)
	go func() {
		results <- outcome{"auth", page.WaitVisible(ctx, d.opts.AuthIndicator, d.opts.AuthCheckTimeout)}
	}()
	go func() {
		results <- outcome{"code", page.WaitVisible(ctx, d.opts.CodeSurface, timeout)}
	}()

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			return r.which
		}
		zap.L().Debug("browser: wait ended",
			zap.Int64("session_id", d.sessionID),
			zap.String("surface", r.which),
			zap.Error(r.err))
	}
	return ""
}

func (d *Driver) awaitLogin(ctx context.Context, page Page) {
	defer d.wg.Done()

	err := page.WaitVisible(ctx, d.opts.AuthIndicator, d.opts.LoginTimeout)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		d.closePage()
		d.life.Failed(ctx, &domain.ConnectionError{
			Op:  "login",
			Err: fmt.Errorf("login code not scanned within %s: %w", d.opts.LoginTimeout, err),
		})
		return
	}
	if err := d.finishLogin(ctx, page); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.closePage()
		d.life.Failed(ctx, err)
	}
}

// finishLogin runs the post-authentication sequence. Only the final status
// flip is fatal; the earlier steps are best-effort.
func (d *Driver) finishLogin(ctx context.Context, page Page) error {
	log := zap.L().With(zap.Int64("session_id", d.sessionID))

	if v, err := page.Evaluate(ctx, artifactScript, nil); err != nil {
		log.Warn("browser: read session artifact failed", zap.Error(err))
	} else if artifact := cast.ToString(v); artifact != "" {
		if err := d.life.SaveArtifact(ctx, artifact); err != nil {
			log.Warn("browser: save session artifact failed", zap.Error(err))
		}
	}

	if dev, err := d.deviceInfo(ctx, page); err != nil {
		log.Warn("browser: device identity unavailable", zap.Error(err))
	} else if err := d.life.UpsertDevice(ctx, *dev); err != nil {
		log.Warn("browser: upsert device failed", zap.Error(err))
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.openEvents(ctx, page)

	d.mu.Lock()
	if d.state == StateClosed || ctx.Err() != nil {
		l := d.listener
		d.listener = nil
		d.mu.Unlock()
		if l != nil {
			l.Stop()
		}
		return errors.New("driver closed during login")
	}
	d.state = StateConnected
	d.mu.Unlock()

	if err := d.life.Connected(ctx); err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	log.Info("browser: session connected")
	return nil
}

func (d *Driver) deviceInfo(ctx context.Context, page Page) (*DeviceInfo, error) {
	v, err := page.Evaluate(ctx, deviceScript, nil)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok || m == nil {
		return nil, errors.New("client store not ready")
	}
	dev := &DeviceInfo{
		Phone:    cast.ToString(m["phone"]),
		Name:     cast.ToString(m["name"]),
		Platform: cast.ToString(m["platform"]),
	}
	if dev.Phone == "" {
		return nil, errors.New("no phone number reported")
	}
	return dev, nil
}

func (d *Driver) openEvents(ctx context.Context, page Page) {
	if d.opts.DialEvents == nil {
		return
	}
	log := zap.L().With(zap.Int64("session_id", d.sessionID))
	v, err := page.Evaluate(ctx, wsURLScript, nil)
	if err != nil {
		log.Warn("browser: event channel url lookup failed", zap.Error(err))
		return
	}
	wsURL := cast.ToString(v)
	if wsURL == "" {
		log.Warn("browser: event channel url not found")
		return
	}
	src, err := d.opts.DialEvents(ctx, wsURL, origin(d.opts.EntryURL))
	if err != nil {
		log.Warn("browser: event channel dial failed", zap.Error(err))
		return
	}
	l := eventchan.NewListener(d.sessionID, src, d.opts.Observers)
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
	l.Start(context.Background())
}

func origin(entry string) string {
	u, err := url.Parse(entry)
	if err != nil || u.Host == "" {
		return entry
	}
	return u.Scheme + "://" + u.Host
}

// Send delivers body and/or the media at mediaRef to recipient.
func (d *Driver) Send(ctx context.Context, recipient, body, mediaRef string) domain.SendResult {
	d.mu.Lock()
	state, page := d.state, d.page
	d.mu.Unlock()
	if state != StateConnected || page == nil {
		return domain.SendResult{Err: &domain.NotConnectedError{SessionID: d.sessionID, Status: state}}
	}

	to, err := phone.Normalize(recipient)
	if err != nil {
		return domain.SendResult{Err: err}
	}
	if body == "" && mediaRef == "" {
		return domain.SendResult{Err: &domain.ValidationError{Field: "body", Reason: "either body or media_ref is required"}}
	}

	args := map[string]interface{}{
		"chatId": phone.ChatID(to),
		"body":   body,
		"media":  nil,
	}
	if mediaRef != "" {
		if d.opts.Media == nil {
			return domain.SendResult{Err: &domain.MediaFetchError{URL: mediaRef, Err: errors.New("no media fetcher configured")}}
		}
		m, err := d.opts.Media.Fetch(ctx, mediaRef)
		if err != nil {
			var mErr *domain.MediaFetchError
			if !errors.As(err, &mErr) {
				err = &domain.MediaFetchError{URL: mediaRef, Err: err}
			}
			return domain.SendResult{Err: err}
		}
		args["media"] = map[string]interface{}{
			"data":     m.Data,
			"mimetype": m.MimeType,
			"filename": m.Filename,
			"type":     m.Type,
		}
	}

	v, err := page.Evaluate(ctx, sendScript, args)
	if err != nil {
		return domain.SendResult{Err: &domain.SendError{Recipient: to, Err: err}}
	}
	out, _ := v.(map[string]interface{})
	if msg := cast.ToString(out["error"]); msg != "" {
		return domain.SendResult{Err: &domain.SendError{Recipient: to, Err: errors.New(msg)}}
	}
	return domain.SendResult{Success: true, ExternalID: cast.ToString(out["id"])}
}

// Alive is the liveness probe: the page must answer and the event channel,
// when one was opened, must still be running.
func (d *Driver) Alive(ctx context.Context) error {
	d.mu.Lock()
	state, page, l := d.state, d.page, d.listener
	d.mu.Unlock()

	if state != StateConnected || page == nil {
		return &domain.NotConnectedError{SessionID: d.sessionID, Status: state}
	}
	if _, err := page.Evaluate(ctx, probeScript, nil); err != nil {
		return &domain.ConnectionError{Op: "probe page", Err: err}
	}
	if l != nil && !l.Alive() {
		err := l.Err()
		if err == nil {
			err = errors.New("listener stopped")
		}
		return &domain.ConnectionError{Op: "event channel", Err: err}
	}
	return nil
}

// Disconnect releases everything the driver holds. It is idempotent and never fails;
// release errors are logged.
func (d *Driver) Disconnect() {
	d.mu.Lock()
	cancel := d.cancel
	page := d.page
	d.cancel = nil
	d.page = nil
	if d.state != StateIdle || page != nil {
		d.state = StateClosed
	}
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if page != nil {
		if err := page.Close(); err != nil {
			zap.L().Warn("browser: close failed", zap.Int64("session_id", d.sessionID), zap.Error(err))
		}
	}
	d.wg.Wait()

	d.mu.Lock()
	l := d.listener
	d.listener = nil
	d.mu.Unlock()
	if l != nil {
		l.Stop()
	}
}

// closePage is the watcher's own cleanup; it must not wait for the watcher.
func (d *Driver) closePage() {
	d.mu.Lock()
	page := d.page
	l := d.listener
	d.page = nil
	d.listener = nil
	d.state = StateClosed
	d.mu.Unlock()

	if l != nil {
		l.Stop()
	}
	if page != nil {
		if err := page.Close(); err != nil {
			zap.L().Warn("browser: close failed", zap.Int64("session_id", d.sessionID), zap.Error(err))
		}
	}
}
