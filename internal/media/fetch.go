package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/guonaihong/gout"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/domain"
)

// Media is a downloaded attachment ready to hand to the web client.
type Media struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimetype"`
	Type     string `json:"type"` // image, video, audio, document
	Filename string `json:"filename,omitempty"`
	Size     int    `json:"-"`
}

// Fetcher downloads media references over http(s).
type Fetcher struct {
	Timeout  time.Duration
	MaxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{Timeout: timeout, MaxBytes: maxBytes}
}

// ValidateURL accepts only absolute http and https urls.
func ValidateURL(ref string) error {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &domain.ValidationError{Field: "media_ref", Reason: "media url must be http or https"}
	}
	return nil
}

// Fetch downloads ref. Every failure is a *domain.MediaFetchError.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (*Media, error) {
	if err := ValidateURL(ref); err != nil {
		return nil, &domain.MediaFetchError{URL: ref, Err: err}
	}

	var (
		body []byte
		code int
	)
	err := gout.GET(ref).
		WithContext(ctx).
		SetTimeout(f.Timeout).
		BindBody(&body).
		Code(&code).
		Do()
	if err != nil {
		return nil, &domain.MediaFetchError{URL: ref, Err: err}
	}
	if code != http.StatusOK {
		return nil, &domain.MediaFetchError{URL: ref, Err: fmt.Errorf("unexpected status %d", code)}
	}
	if len(body) == 0 {
		return nil, &domain.MediaFetchError{URL: ref, Err: fmt.Errorf("empty body")}
	}
	if f.MaxBytes > 0 && int64(len(body)) > f.MaxBytes {
		return nil, &domain.MediaFetchError{URL: ref, Err: fmt.Errorf("media larger than %d bytes", f.MaxBytes)}
	}

	mt := mimetype.Detect(body)
	m := &Media{
		Data:     base64.StdEncoding.EncodeToString(body),
		MimeType: mt.String(),
		Type:     kindOf(mt.String()),
		Filename: filenameOf(ref, mt.Extension()),
		Size:     len(body),
	}
	zap.L().Debug("media: fetched",
		zap.String("url", ref),
		zap.String("mimetype", m.MimeType),
		zap.Int("size", m.Size))
	return m, nil
}

func kindOf(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

func filenameOf(ref, ext string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return "file" + ext
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "file" + ext
	}
	if path.Ext(name) == "" {
		name += ext
	}
	return name
}
