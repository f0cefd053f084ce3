package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigurationError the automation runtime or driver is unavailable. Never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectionError navigation or login failed.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExtractionTimeoutError neither the login code nor the authenticated view appeared in time.
type ExtractionTimeoutError struct {
	Timeout time.Duration
}

func (e *ExtractionTimeoutError) Error() string {
	return fmt.Sprintf("login code surface not found within %s", e.Timeout)
}

// ExtractionFailure every code extraction strategy was exhausted.
type ExtractionFailure struct {
	Errs []error
}

func (e *ExtractionFailure) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "login code extraction failed: " + strings.Join(msgs, "; ")
}

func (e *ExtractionFailure) Unwrap() []error { return e.Errs }

// NotConnectedError a send was attempted on a session that is not connected.
type NotConnectedError struct {
	SessionID int64
	Status    string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("session %d is not connected (status %s)", e.SessionID, e.Status)
}

// MediaFetchError the referenced media could not be downloaded.
type MediaFetchError struct {
	URL string
	Err error
}

func (e *MediaFetchError) Error() string {
	return fmt.Sprintf("fetch media %s: %v", e.URL, e.Err)
}

func (e *MediaFetchError) Unwrap() error { return e.Err }

// SendError the web client rejected or failed the send.
type SendError struct {
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ValidationError bad recipient or empty payload. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateNameError a session with the same name already exists.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("session name %q already exists", e.Name)
}

// NoValidRecipientsError a bulk request had no recipient that passed validation.
type NoValidRecipientsError struct {
	Invalid int
}

func (e *NoValidRecipientsError) Error() string {
	return fmt.Sprintf("no valid recipients (%d invalid)", e.Invalid)
}

// ErrInvalidTransition is returned for a session state change the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Retryable reports whether a per-message failure may be attempted again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var cerr *ConfigurationError
	return !errors.As(err, &cerr)
}

// ErrorKind names the taxonomy class of err, used as the prefix of stored reasons.
func ErrorKind(err error) string {
	var (
		cfgErr   *ConfigurationError
		connErr  *ConnectionError
		toErr    *ExtractionTimeoutError
		exErr    *ExtractionFailure
		ncErr    *NotConnectedError
		mediaErr *MediaFetchError
		sendErr  *SendError
		valErr   *ValidationError
		dupErr   *DuplicateNameError
		nvErr    *NoValidRecipientsError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &toErr):
		return "ExtractionTimeoutError"
	case errors.As(err, &exErr):
		return "ExtractionFailure"
	case errors.As(err, &cfgErr):
		return "ConfigurationError"
	case errors.As(err, &connErr):
		return "ConnectionError"
	case errors.As(err, &ncErr):
		return "NotConnectedError"
	case errors.As(err, &mediaErr):
		return "MediaFetchError"
	case errors.As(err, &sendErr):
		return "SendError"
	case errors.As(err, &valErr):
		return "ValidationError"
	case errors.As(err, &dupErr):
		return "DuplicateNameError"
	case errors.As(err, &nvErr):
		return "NoValidRecipientsError"
	default:
		return "Error"
	}
}

// Reason formats err for storage in LastError columns.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return ErrorKind(err) + ": " + err.Error()
}
