package queue

import (
	"unicode/utf8"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/media"
)

// MaxBodyLength is the longest text body the web client accepts.
const MaxBodyLength = 4096

// ValidatePayload checks that a message carries a body or a media reference within limits.
func ValidatePayload(body, mediaRef string) error {
	if body == "" && mediaRef == "" {
		return &domain.ValidationError{Field: "body", Reason: "either body or media_ref is required"}
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return &domain.ValidationError{Field: "body", Reason: "message too long (max 4096 characters)"}
	}
	if mediaRef != "" {
		return media.ValidateURL(mediaRef)
	}
	return nil
}
