// Package phone normalizes recipient numbers into E.164 and chat ids.
package phone

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"go.mau.fi/whatsmeow/types"

	"github.com/talkincode/wablast/internal/domain"
)

const (
	minDigits = 10
	maxDigits = 15
)

var nonDial = regexp.MustCompile(`[^\d+]`)

// Normalize returns raw in E.164 form (for example +447911123456).
func Normalize(raw string) (string, error) {
	cleaned := nonDial.ReplaceAllString(strings.TrimSpace(raw), "")
	if cleaned == "" || cleaned == "+" {
		return "", &domain.ValidationError{Field: "recipient", Reason: "empty phone number"}
	}
	cleaned = "+" + strings.TrimLeft(cleaned, "+")

	num, err := phonenumbers.Parse(cleaned, "")
	if err != nil {
		return "", &domain.ValidationError{Field: "recipient", Reason: err.Error()}
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", &domain.ValidationError{Field: "recipient", Reason: "not a valid phone number: " + raw}
	}
	e164 := phonenumbers.Format(num, phonenumbers.E164)
	if n := len(e164) - 1; n < minDigits || n > maxDigits {
		return "", &domain.ValidationError{Field: "recipient", Reason: "phone number must have 10-15 digits"}
	}
	return e164, nil
}

// ChatID converts an E.164 number into the web client's chat id (<digits>@c.us).
func ChatID(e164 string) string {
	return types.NewJID(strings.TrimPrefix(e164, "+"), types.LegacyUserServer).String()
}

// Split normalizes every entry, partitioning into valid numbers and the raw invalid inputs.
// Duplicates after normalization are dropped.
func Split(raws []string) (valid []string, invalid []string) {
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		n, err := Normalize(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		valid = append(valid, n)
	}
	return valid, invalid
}
