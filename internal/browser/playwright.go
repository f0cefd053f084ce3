package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/codeextract"
	"github.com/talkincode/wablast/internal/domain"
)

// PlaywrightLauncher launches Chromium through playwright. The driver
// process is started lazily on first Launch and shared by all sessions.
type PlaywrightLauncher struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	install bool
}

func NewPlaywrightLauncher(install bool) *PlaywrightLauncher {
	return &PlaywrightLauncher{install: install}
}

func (l *PlaywrightLauncher) start() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if l.install {
		if err := playwright.Install(opts); err != nil {
			return nil, &domain.ConfigurationError{Reason: "install playwright", Err: err}
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, &domain.ConfigurationError{Reason: "start playwright", Err: err}
	}
	l.pw = pw
	zap.L().Info("browser: playwright driver started")
	return pw, nil
}

func (l *PlaywrightLauncher) Launch(ctx context.Context, o LaunchOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := l.start()
	if err != nil {
		return nil, err
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(o.Headless),
		Args:     o.Args,
	})
	if err != nil {
		return nil, &domain.ConfigurationError{Reason: "launch chromium", Err: err}
	}

	contextOpts := playwright.BrowserNewContextOptions{}
	if o.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(o.UserAgent)
	}
	if o.Width > 0 && o.Height > 0 {
		contextOpts.Viewport = &playwright.Size{Width: o.Width, Height: o.Height}
	}
	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		_ = browser.Close()
		return nil, &domain.ConnectionError{Op: "create browser context", Err: err}
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, &domain.ConnectionError{Op: "create page", Err: err}
	}
	return &pwPage{browser: browser, bctx: bctx, page: page}, nil
}

// Stop terminates the playwright driver process.
func (l *PlaywrightLauncher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

type pwPage struct {
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
}

func (p *pwPage) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	_, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil})
	return err
}

// WaitVisible returns early on ctx cancellation; the pending playwright call
// ends when the page is closed or its own timeout passes.
func (p *pwPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	state := playwright.WaitForSelectorState("visible")
	ms := float64(timeout.Milliseconds())
	done := make(chan error, 1)
	go func() {
		_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
			State:   &state,
			Timeout: &ms,
		})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pwPage) Evaluate(ctx context.Context, script string, arg interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if arg == nil {
		return p.page.Evaluate(script)
	}
	return p.page.Evaluate(script, arg)
}

func (p *pwPage) BoundingBox(ctx context.Context, selector string) (*codeextract.Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	el, err := p.page.QuerySelector(selector)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, nil
	}
	rect, err := el.BoundingBox()
	if err != nil || rect == nil {
		return nil, err
	}
	return &codeextract.Box{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}, nil
}

func (p *pwPage) Screenshot(ctx context.Context, clip *codeextract.Box) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shotType := playwright.ScreenshotType("png")
	opts := playwright.PageScreenshotOptions{Type: &shotType}
	if clip == nil {
		opts.FullPage = playwright.Bool(true)
	} else {
		opts.Clip = &playwright.Rect{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height}
	}
	return p.page.Screenshot(opts)
}

func (p *pwPage) Close() error {
	var errs []error
	if err := p.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close page: %w", err))
	}
	if err := p.bctx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close context: %w", err))
	}
	if err := p.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser: %w", err))
	}
	return errors.Join(errs...)
}
