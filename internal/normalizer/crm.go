package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/Phillboard/mobul-sub001/internal/domain"
)

const (
	HubSpotSignatureHeader    = "X-HubSpot-Signature"
	SalesforceSignatureHeader = "X-Salesforce-Signature"
)

// HubSpotProvider parses HubSpot webhook subscriptions (signature v1).
type HubSpotProvider struct{}

func (HubSpotProvider) Name() string { return ProviderHubSpot }

// VerifySignature checks the v1 scheme: hex SHA-256 of client secret followed by the body.
func (HubSpotProvider) VerifySignature(body []byte, headers http.Header, secret string) bool {
	if secretMissing(secret) {
		log.Printf("level=warn component=normalizer provider=hubspot msg=\"webhook secret not set; skipping signature validation\"")
		return true
	}
	provided := strings.ToLower(headers.Get(HubSpotSignatureHeader))
	if provided == "" {
		return false
	}
	sum := sha256.Sum256(append([]byte(secret), body...))
	return equalSignature(provided, hex.EncodeToString(sum[:]))
}

// ParseEvent reads the first subscription event. HubSpot batches events in a JSON array.
func (HubSpotProvider) ParseEvent(body []byte, contentType string) (domain.NormalizedEvent, error) {
	var fields map[string]interface{}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var batch []map[string]interface{}
		if err := json.Unmarshal(body, &batch); err != nil {
			return domain.NormalizedEvent{}, domain.NewValidationError("invalid JSON payload")
		}
		if len(batch) == 0 {
			return domain.NormalizedEvent{}, domain.NewValidationError("empty event batch")
		}
		fields = batch[0]
	} else {
		obj, err := decodeObject(body)
		if err != nil {
			return domain.NormalizedEvent{}, err
		}
		fields = obj
	}

	campaignID, err := parseCampaignID(stringField(fields, "campaign_id", "campaignId"))
	if err != nil {
		return domain.NormalizedEvent{}, err
	}

	subscription := stringField(fields, "subscriptionType", "eventType")
	eventName := subscription
	propertyName := stringField(fields, "propertyName")
	if strings.HasSuffix(subscription, ".propertyChange") && propertyName != "" {
		eventName = propertyName + "=" + stringField(fields, "propertyValue")
	}

	identitySource := fields
	if props := objectField(fields, "properties"); props != nil {
		identitySource = mergeHubSpotProperties(fields, props)
	}

	return domain.NormalizedEvent{
		EventType:  domain.EventTypeCRMEvent,
		EventName:  eventName,
		Provider:   ProviderHubSpot,
		CampaignID: campaignID,
		Identity:   identityFrom(identitySource, []string{"phone", "mobilephone"}, []string{"email"}),
		Metadata: map[string]interface{}{
			"subscription_type": subscription,
			"object_id":         stringField(fields, "objectId"),
			"portal_id":         stringField(fields, "portalId"),
		},
		RawData:    body,
		OccurredAt: parseOccurredAt(fields, "occurredAt"),
	}, nil
}

// mergeHubSpotProperties flattens {"email": {"value": "..."}} property shapes onto the event fields.
func mergeHubSpotProperties(fields, props map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(fields)+len(props))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range props {
		if obj, ok := v.(map[string]interface{}); ok {
			if value, ok := obj["value"]; ok {
				merged[k] = value
			}
			continue
		}
		merged[k] = v
	}
	return merged
}

// SalesforceProvider parses outbound notifications relayed as JSON.
type SalesforceProvider struct{}

func (SalesforceProvider) Name() string { return ProviderSalesforce }

func (SalesforceProvider) VerifySignature(body []byte, headers http.Header, secret string) bool {
	if secretMissing(secret) {
		log.Printf("level=warn component=normalizer provider=salesforce msg=\"webhook secret not set; skipping signature validation\"")
		return true
	}
	provided := headers.Get(SalesforceSignatureHeader)
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return equalSignature(provided, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func (SalesforceProvider) ParseEvent(body []byte, contentType string) (domain.NormalizedEvent, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return domain.NormalizedEvent{}, err
	}

	campaignID, err := parseCampaignID(stringField(fields, "campaign_id", "CampaignId"))
	if err != nil {
		return domain.NormalizedEvent{}, err
	}

	record := fields
	if sobject := objectField(fields, "sobject"); sobject != nil {
		record = sobject
	}

	return domain.NormalizedEvent{
		EventType:  domain.EventTypeCRMEvent,
		EventName:  stringField(fields, "event_name", "eventName", "event"),
		Provider:   ProviderSalesforce,
		CampaignID: campaignID,
		Identity:   identityFrom(record, []string{"Phone", "MobilePhone"}, []string{"Email"}),
		Metadata: map[string]interface{}{
			"object_type": stringField(record, "type", "attributes_type"),
			"record_id":   stringField(record, "Id"),
		},
		RawData:    body,
		OccurredAt: parseOccurredAt(fields, "occurred_at", "CreatedDate"),
	}, nil
}
