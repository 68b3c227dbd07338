package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strings"

	"github.com/Phillboard/mobul-sub001/internal/domain"
)

const GenericSignatureHeader = "X-Webhook-Signature"

// GenericProvider accepts {event|event_type, email, phone, campaign_id, data} JSON bodies.
type GenericProvider struct{}

func (GenericProvider) Name() string { return ProviderGeneric }

func (GenericProvider) VerifySignature(body []byte, headers http.Header, secret string) bool {
	if secretMissing(secret) {
		log.Printf("level=warn component=normalizer provider=generic msg=\"webhook secret not set; skipping signature validation\"")
		return true
	}
	header := headers.Get(GenericSignatureHeader)
	if !strings.HasPrefix(strings.ToLower(header), "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return equalSignature(strings.ToLower(strings.TrimSpace(header[7:])), hex.EncodeToString(mac.Sum(nil)))
}

func (GenericProvider) ParseEvent(body []byte, contentType string) (domain.NormalizedEvent, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return domain.NormalizedEvent{}, err
	}

	campaignID, err := parseCampaignID(stringField(fields, "campaign_id"))
	if err != nil {
		return domain.NormalizedEvent{}, err
	}

	eventName := stringField(fields, "event", "event_type")
	eventType := domain.EventTypeCRMEvent
	switch strings.ToLower(eventName) {
	case domain.EventTypeCallCompleted, domain.EventTypeCallStatus:
		eventType = strings.ToLower(eventName)
	}

	metadata := map[string]interface{}{}
	if data := objectField(fields, "data"); data != nil {
		metadata = data
	}

	return domain.NormalizedEvent{
		EventType:  eventType,
		EventName:  eventName,
		Provider:   ProviderGeneric,
		CampaignID: campaignID,
		Identity:   identityFrom(fields, []string{"phone"}, []string{"email"}),
		Metadata:   metadata,
		RawData:    body,
		OccurredAt: parseOccurredAt(fields, "timestamp", "occurred_at"),
	}, nil
}
