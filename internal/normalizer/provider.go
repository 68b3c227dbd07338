/**
 * @description
 * Package normalizer converts provider-specific webhook payloads into the canonical
 * domain.NormalizedEvent consumed by the reward pipeline.
 *
 * Key features:
 * - Provider interface: signature verification and payload parsing per upstream system.
 * - Registry: providers keyed by name, unknown names fall back to the generic provider.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha1, crypto/sha256: For webhook signature validation.
 * - github.com/google/uuid: For campaign id parsing.
 */
package normalizer

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
)

// Provider names accepted on /webhooks/{provider}.
const (
	ProviderTelephony  = "telephony"
	ProviderHubSpot    = "hubspot"
	ProviderSalesforce = "salesforce"
	ProviderGeneric    = "generic"
)

// Provider verifies and parses webhooks from one upstream system.
type Provider interface {
	Name() string
	VerifySignature(body []byte, headers http.Header, secret string) bool
	ParseEvent(body []byte, contentType string) (domain.NormalizedEvent, error)
}

// Registry resolves providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

// NewRegistry returns a registry holding the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider), fallback: GenericProvider{}}
	r.Register(TelephonyProvider{})
	r.Register(HubSpotProvider{})
	r.Register(SalesforceProvider{})
	r.Register(GenericProvider{})
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Lookup returns the named provider, or the generic provider when the name is unknown.
func (r *Registry) Lookup(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return r.fallback
}

// secretMissing reports an unset secret. Providers skip validation in that case.
func secretMissing(secret string) bool {
	return strings.TrimSpace(secret) == ""
}

func equalSignature(provided, expected string) bool {
	return hmac.Equal([]byte(provided), []byte(expected))
}

func isJSON(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func decodeObject(body []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid JSON payload: %v", err))
	}
	return payload, nil
}

func formToMap(values url.Values) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// stringField returns the first non-empty value among keys, matched case-insensitively.
func stringField(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		for k, v := range m {
			if !strings.EqualFold(k, key) {
				continue
			}
			switch val := v.(type) {
			case string:
				if s := strings.TrimSpace(val); s != "" {
					return s
				}
			case float64:
				return strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				return strconv.FormatBool(val)
			}
		}
	}
	return ""
}

func objectField(m map[string]interface{}, key string) map[string]interface{} {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			if obj, ok := v.(map[string]interface{}); ok {
				return obj
			}
		}
	}
	return nil
}

func parseCampaignID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.NewValidationError("campaign_id must be a UUID")
	}
	return &id, nil
}

// parseOccurredAt accepts RFC3339 strings and epoch seconds or milliseconds.
func parseOccurredAt(m map[string]interface{}, keys ...string) time.Time {
	raw := stringField(m, keys...)
	if raw == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return time.Now().UTC()
}

func identityFrom(m map[string]interface{}, phoneKeys, emailKeys []string) domain.IdentityHint {
	return domain.IdentityHint{
		Phone: domain.NormalizePhone(stringField(m, phoneKeys...)),
		Email: domain.NormalizeEmail(stringField(m, emailKeys...)),
	}
}
