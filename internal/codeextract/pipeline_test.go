package codeextract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wablast/internal/domain"
)

type fakeSurface struct {
	mu        sync.Mutex
	evalFn    func(script string, arg interface{}) (interface{}, error)
	boxFn     func(selector string) (*Box, error)
	shotFn    func(clip *Box) ([]byte, error)
	fullShots int
	clipShots int
}

func (f *fakeSurface) Evaluate(_ context.Context, script string, arg interface{}) (interface{}, error) {
	if f.evalFn == nil {
		return nil, nil
	}
	return f.evalFn(script, arg)
}

func (f *fakeSurface) BoundingBox(_ context.Context, selector string) (*Box, error) {
	if f.boxFn == nil {
		return nil, nil
	}
	return f.boxFn(selector)
}

func (f *fakeSurface) Screenshot(_ context.Context, clip *Box) ([]byte, error) {
	f.mu.Lock()
	if clip == nil {
		f.fullShots++
	} else {
		f.clipShots++
	}
	f.mu.Unlock()
	if f.shotFn == nil {
		return nil, errors.New("no screenshot")
	}
	return f.shotFn(clip)
}

func qrPNG(t *testing.T, text string) []byte {
	t.Helper()
	img, err := Render(text)
	require.NoError(t, err)
	return img
}

// pageWithCode places the code inside a larger white page, the way a full capture looks.
func pageWithCode(t *testing.T, text string) []byte {
	t.Helper()
	codeImg, err := png.Decode(bytes.NewReader(qrPNG(t, text)))
	require.NoError(t, err)

	page := image.NewRGBA(image.Rect(0, 0, 900, 700))
	draw.Draw(page, page.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	offset := image.Pt(300, 150)
	draw.Draw(page, codeImg.Bounds().Add(offset), codeImg, codeImg.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, page))
	return buf.Bytes()
}

func TestCanvasStrategyFirst(t *testing.T) {
	want := qrPNG(t, "2@canvas-ref")
	fs := &fakeSurface{
		evalFn: func(script string, arg interface{}) (interface{}, error) {
			if arg == `div[data-ref] canvas` {
				return (&Result{Image: want}).DataURL(), nil
			}
			return nil, nil
		},
	}
	res := New(nil).Extract(context.Background(), fs)
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "canvas", res.Strategy)
	assert.Equal(t, want, res.Image)
	assert.Zero(t, fs.clipShots)
	assert.Zero(t, fs.fullShots)
}

func TestElementCaptureShortCircuitsVision(t *testing.T) {
	crop := qrPNG(t, "2@cropped")
	fs := &fakeSurface{
		evalFn: func(string, interface{}) (interface{}, error) {
			return nil, errors.New("canvas tainted")
		},
		boxFn: func(selector string) (*Box, error) {
			if selector == `[data-testid="qrcode"] canvas` {
				return &Box{X: 10, Y: 20, Width: 264, Height: 264}, nil
			}
			return nil, nil
		},
		shotFn: func(clip *Box) ([]byte, error) {
			if clip != nil {
				return crop, nil
			}
			return pageWithCode(t, "2@never"), nil
		},
	}
	p := New(nil)
	p.Pause = 0

	res := p.Extract(context.Background(), fs)
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "element-capture", res.Strategy)
	assert.Equal(t, crop, res.Image)
	assert.Equal(t, 1, fs.clipShots)
	assert.Zero(t, fs.fullShots, "vision strategy must not run")
}

func TestShortCircuitOrder(t *testing.T) {
	var calls []string
	mk := func(name string, img []byte, err error) Strategy {
		return Strategy{Name: name, Run: func(context.Context, Surface) ([]byte, error) {
			calls = append(calls, name)
			return img, err
		}}
	}
	p := &Pipeline{
		Strategies: []Strategy{
			mk("one", nil, errors.New("nope")),
			mk("two", []byte{1, 2, 3}, nil),
			mk("three", []byte{9}, nil),
		},
		Attempts: 2,
	}
	res := p.Extract(context.Background(), &fakeSurface{})
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "two", res.Strategy)
	assert.Equal(t, []string{"one", "one", "two"}, calls)
}

func TestVisionDecodeFallback(t *testing.T) {
	payload := "2@Xb9Qk1s0Z2s,fHqX3nM9oA8=,Vq0m1k2P3r4=,Zx9y8w7v6u5="
	fs := &fakeSurface{
		shotFn: func(clip *Box) ([]byte, error) {
			return pageWithCode(t, payload), nil
		},
	}
	p := New(nil)
	p.Pause = 0

	res := p.Extract(context.Background(), fs)
	require.Equal(t, StatusOK, res.Status, "err: %v", res.Err)
	assert.Equal(t, "vision-decode", res.Strategy)

	text, err := DecodeText(res.Image)
	require.NoError(t, err)
	assert.Equal(t, payload, text)
	assert.Contains(t, res.DataURL(), "data:image/png;base64,")
}

func TestAllStrategiesFail(t *testing.T) {
	fs := &fakeSurface{
		shotFn: func(clip *Box) ([]byte, error) {
			var buf bytes.Buffer
			img := image.NewGray(image.Rect(0, 0, 50, 50))
			require.NoError(t, png.Encode(&buf, img))
			return buf.Bytes(), nil
		},
	}
	p := New(nil)
	p.Pause = 0

	res := p.Extract(context.Background(), fs)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.DataURL())

	var failure *domain.ExtractionFailure
	require.True(t, errors.As(res.Err, &failure))
	assert.Len(t, failure.Errs, 6)
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(nil).Extract(ctx, &fakeSurface{})
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestPanickingStrategyIsContained(t *testing.T) {
	p := &Pipeline{Strategies: []Strategy{
		{Name: "boom", Run: func(context.Context, Surface) ([]byte, error) { panic("bad markup") }},
		{Name: "ok", Run: func(context.Context, Surface) ([]byte, error) { return []byte{1}, nil }},
	}}
	res := p.Extract(context.Background(), &fakeSurface{})
	assert.Equal(t, "ok", res.Strategy)
}

func TestParseDataURL(t *testing.T) {
	_, err := ParseDataURL("data:image/jpeg;base64,AAAA")
	assert.Error(t, err)
	_, err = ParseDataURL("data:image/png;base64,")
	assert.Error(t, err)
	raw, err := ParseDataURL("data:image/png;base64,AQID")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)
}
