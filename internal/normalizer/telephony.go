package normalizer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/Phillboard/mobul-sub001/internal/domain"
)

// TelephonySignatureHeader carries the base64 HMAC-SHA1 of the raw body.
const TelephonySignatureHeader = "X-Telephony-Signature"

// TelephonyProvider parses call disposition callbacks from the call-center platform.
// Payloads arrive form-encoded from the dialer or as JSON from the queue consumer.
type TelephonyProvider struct{}

func (TelephonyProvider) Name() string { return ProviderTelephony }

func (TelephonyProvider) VerifySignature(body []byte, headers http.Header, secret string) bool {
	if secretMissing(secret) {
		log.Printf("level=warn component=normalizer provider=telephony msg=\"webhook secret not set; skipping signature validation\"")
		return true
	}
	provided := headers.Get(TelephonySignatureHeader)
	if provided == "" {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return equalSignature(strings.TrimSpace(provided), expected)
}

func (TelephonyProvider) ParseEvent(body []byte, contentType string) (domain.NormalizedEvent, error) {
	var fields map[string]interface{}
	if isJSON(body, contentType) {
		obj, err := decodeObject(body)
		if err != nil {
			return domain.NormalizedEvent{}, err
		}
		fields = obj
	} else {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return domain.NormalizedEvent{}, domain.NewValidationError(fmt.Sprintf("invalid form payload: %v", err))
		}
		fields = formToMap(values)
	}

	campaignID, err := parseCampaignID(stringField(fields, "campaign_id", "CampaignId"))
	if err != nil {
		return domain.NormalizedEvent{}, err
	}

	callStatus := strings.ToLower(stringField(fields, "call_status", "CallStatus", "status"))
	disposition := strings.ToLower(stringField(fields, "disposition", "Disposition", "call_disposition"))

	eventType := domain.EventTypeCallStatus
	if callStatus == "completed" && disposition != "" {
		eventType = domain.EventTypeCallCompleted
	}

	metadata := map[string]interface{}{
		"call_sid":    stringField(fields, "call_sid", "CallSid"),
		"call_status": callStatus,
		"disposition": disposition,
	}
	if duration := stringField(fields, "call_duration", "CallDuration", "duration"); duration != "" {
		metadata["call_duration"] = duration
	}
	if agent := stringField(fields, "agent_id", "AgentId"); agent != "" {
		metadata["agent_id"] = agent
	}

	return domain.NormalizedEvent{
		EventType:  eventType,
		EventName:  disposition,
		Provider:   ProviderTelephony,
		CampaignID: campaignID,
		Identity: identityFrom(fields,
			[]string{"customer_phone", "caller_phone", "From", "caller"},
			[]string{"customer_email", "email"},
		),
		Metadata:   metadata,
		RawData:    body,
		OccurredAt: parseOccurredAt(fields, "timestamp", "Timestamp", "ended_at"),
	}, nil
}
