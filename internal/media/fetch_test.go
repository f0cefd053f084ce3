package media

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wablast/internal/domain"
)

// 1x1 transparent png
var tinyPNG, _ = base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func TestFetchImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tinyPNG)
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, 1<<20)
	m, err := f.Fetch(context.Background(), srv.URL+"/pics/dot")
	require.NoError(t, err)
	assert.Equal(t, "image/png", m.MimeType)
	assert.Equal(t, "image", m.Type)
	assert.Equal(t, "dot.png", m.Filename)
	assert.Equal(t, base64.StdEncoding.EncodeToString(tinyPNG), m.Data)
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/big":
			_, _ = w.Write(make([]byte, 2048))
		}
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, 1024)
	for _, ref := range []string{srv.URL + "/missing", srv.URL + "/big", "ftp://example.com/a.png", "not a url"} {
		_, err := f.Fetch(context.Background(), ref)
		var merr *domain.MediaFetchError
		assert.True(t, errors.As(err, &merr), ref)
	}
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://cdn.example.com/a.jpg"))
	var verr *domain.ValidationError
	assert.True(t, errors.As(ValidateURL("file:///etc/passwd"), &verr))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "video", kindOf("video/mp4"))
	assert.Equal(t, "audio", kindOf("audio/ogg"))
	assert.Equal(t, "document", kindOf("application/pdf"))
}
