package browser

import (
	"context"
	"time"

	"github.com/talkincode/wablast/internal/codeextract"
)

// Page is one isolated browser context with a single tab.
type Page interface {
	codeextract.Surface
	Goto(ctx context.Context, url string) error
	// WaitVisible blocks until selector is visible, the timeout passes or ctx ends
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// Close releases the tab, its context and the browser process
	Close() error
}

// LaunchOptions for a new browser instance.
type LaunchOptions struct {
	Headless  bool
	UserAgent string
	Width     int
	Height    int
	Args      []string
}

// Launcher starts browser instances. Implementations return a
// *domain.ConfigurationError when the automation runtime is unavailable.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Page, error)
}
