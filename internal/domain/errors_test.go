package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", &ValidationError{Field: "recipient", Reason: "too short"}, false},
		{"wrapped validation", fmt.Errorf("enqueue: %w", &ValidationError{Field: "body"}), false},
		{"configuration", &ConfigurationError{Reason: "playwright"}, false},
		{"send", &SendError{Recipient: "+6281234567890", Err: errors.New("boom")}, true},
		{"media", &MediaFetchError{URL: "http://x", Err: errors.New("404")}, true},
		{"not connected", &NotConnectedError{SessionID: 1}, true},
		{"plain", errors.New("timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestErrorKindPrefersTimeoutOverConnection(t *testing.T) {
	err := &ConnectionError{Op: "connect", Err: &ExtractionTimeoutError{Timeout: 30 * time.Second}}
	assert.Equal(t, "ExtractionTimeoutError", ErrorKind(err))
	assert.Contains(t, Reason(err), "ExtractionTimeoutError: ")
	assert.Equal(t, "ConnectionError", ErrorKind(&ConnectionError{Op: "goto", Err: errors.New("dns")}))
	assert.Empty(t, Reason(nil))
}

func TestExtractionFailureUnwrap(t *testing.T) {
	inner := &ExtractionTimeoutError{Timeout: time.Second}
	err := &ExtractionFailure{Errs: []error{errors.New("canvas empty"), inner}}
	var target *ExtractionTimeoutError
	assert.True(t, errors.As(err, &target))
	assert.Contains(t, err.Error(), "canvas empty")
}
