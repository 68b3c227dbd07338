package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdentityHint carries whatever the upstream provider knows about who acted.
type IdentityHint struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Empty reports whether the hint carries no usable identity.
func (h IdentityHint) Empty() bool {
	return h.Phone == "" && h.Email == ""
}

// NormalizedEvent is the canonical shape every provider payload is converted into.
type NormalizedEvent struct {
	EventType  string                 `json:"event_type"`
	EventName  string                 `json:"event_name,omitempty"`
	Provider   string                 `json:"provider"`
	CampaignID *uuid.UUID             `json:"campaign_id,omitempty"`
	Identity   IdentityHint           `json:"identity"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RawData    []byte                 `json:"-"`
	OccurredAt time.Time              `json:"occurred_at"`
}

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone strips formatting and keeps the trailing 10 digits.
// Inputs with fewer than 10 digits are returned as the digits present.
func NormalizePhone(raw string) string {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) > 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
