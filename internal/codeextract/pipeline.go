// Package codeextract turns a rendered login page into a scannable login code image.
//
// The web client's markup is unstable, so extraction runs an ordered list of
// strategies and stops at the first one that yields a non-empty PNG.
package codeextract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/domain"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"

	dataURLPrefix = "data:image/png;base64,"
)

// Box is an element bounding box in CSS pixels.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Surface is the part of a browser page the strategies need.
// A nil clip captures the full page.
type Surface interface {
	Evaluate(ctx context.Context, script string, arg interface{}) (interface{}, error)
	BoundingBox(ctx context.Context, selector string) (*Box, error)
	Screenshot(ctx context.Context, clip *Box) ([]byte, error)
}

// Strategy produces a PNG from the surface, or an error / empty slice when it cannot.
type Strategy struct {
	Name string
	Run  func(ctx context.Context, s Surface) ([]byte, error)
}

// Result of one pipeline run.
type Result struct {
	Status   string
	Strategy string
	Image    []byte
	Err      error
}

// DataURL renders the image as data:image/png;base64,...
func (r *Result) DataURL() string {
	if r == nil || len(r.Image) == 0 {
		return ""
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(r.Image)
}

// Pipeline runs strategies in order. Each strategy gets Attempts tries,
// separated by Pause, before the next one is used.
type Pipeline struct {
	Strategies []Strategy
	Attempts   int
	Pause      time.Duration
}

// DefaultSelectors are the known locations of the login code across client versions.
var DefaultSelectors = []string{
	`canvas[aria-label*="Scan"]`,
	`div[data-ref] canvas`,
	`[data-testid="qrcode"] canvas`,
	`xpath=//canvas[contains(@aria-label, 'Scan me!')]`,
	`div[data-ref]`,
}

// New returns the standard three stage pipeline over selectors.
func New(selectors []string) *Pipeline {
	if len(selectors) == 0 {
		selectors = DefaultSelectors
	}
	return &Pipeline{
		Strategies: []Strategy{
			CanvasStrategy(selectors),
			ElementCaptureStrategy(selectors),
			VisionDecodeStrategy(),
		},
		Attempts: 2,
		Pause:    500 * time.Millisecond,
	}
}

// Extract runs the pipeline. It never panics on strategy failure; the
// returned Result carries either the image or an *domain.ExtractionFailure.
func (p *Pipeline) Extract(ctx context.Context, s Surface) *Result {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var errs []error
	for _, st := range p.Strategies {
		for i := 1; i <= attempts; i++ {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				return &Result{Status: StatusFailed, Err: &domain.ExtractionFailure{Errs: errs}}
			}
			img, err := runStrategy(ctx, st, s)
			if err == nil && len(img) > 0 {
				zap.L().Info("codeextract: login code extracted",
					zap.String("strategy", st.Name),
					zap.Int("attempt", i),
					zap.Int("bytes", len(img)))
				return &Result{Status: StatusOK, Strategy: st.Name, Image: img}
			}
			if err == nil {
				err = errors.New("empty image")
			}
			err = fmt.Errorf("%s attempt %d: %w", st.Name, i, err)
			zap.L().Debug("codeextract: strategy failed", zap.Error(err))
			errs = append(errs, err)
			if i < attempts && p.Pause > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(p.Pause):
				}
			}
		}
	}
	return &Result{Status: StatusFailed, Err: &domain.ExtractionFailure{Errs: errs}}
}

func runStrategy(ctx context.Context, st Strategy, s Surface) (img []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Run(ctx, s)
}

// ParseDataURL decodes a data:image/png;base64 url.
func ParseDataURL(s string) ([]byte, error) {
	if !strings.HasPrefix(s, dataURLPrefix) {
		return nil, fmt.Errorf("not a png data url")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, dataURLPrefix))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty data url")
	}
	return raw, nil
}
