/**
 * @description
 * This file defines the core domain models for the reward fulfillment service.
 * These structs map to the campaign, condition, credit, gift card, redemption,
 * recipient, event and delivery tables and are shared by the store, app and api layers.
 *
 * @notes
 * - Amounts are stored as `int64` cents to avoid floating-point inaccuracies with
 *   budget and card values.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Budget modes for a campaign.
const (
	BudgetModeShared   = "shared"
	BudgetModeIsolated = "isolated"
)

// Condition trigger types.
const (
	TriggerCallCompleted = "call_completed"
	TriggerCRMEvent      = "crm_event"
	TriggerTimeDelayed   = "time_delayed"
)

// Canonical event types produced by the normalizer and the time-delay sweep.
const (
	EventTypeCallCompleted      = "call_completed"
	EventTypeCallStatus         = "call_status"
	EventTypeCRMEvent           = "crm_event"
	EventTypeTimeDelayedTrigger = "time_delayed_trigger"
)

// Credit account types and statuses.
const (
	AccountTypeClient   = "client"
	AccountTypeCampaign = "campaign"

	AccountStatusActive   = "active"
	AccountStatusDepleted = "depleted"
)

// Credit transaction types.
const (
	CreditTransactionDebit  = "debit"
	CreditTransactionRefund = "refund"
)

// Gift card pool types and card statuses.
const (
	PoolTypeInventory = "inventory"
	PoolTypeAPIConfig = "api_config"

	CardStatusAvailable = "available"
	CardStatusClaimed   = "claimed"
	CardStatusDelivered = "delivered"
	CardStatusFailed    = "failed"
)

// Provisioning sources reported back to callers.
const (
	SourceInventory = "inventory"
	SourceAPI       = "api"
)

// Redemption statuses.
const (
	RedemptionPending     = "pending"
	RedemptionProvisioned = "provisioned"
	RedemptionViewed      = "viewed"
	RedemptionRedeemed    = "redeemed"
	RedemptionRejected    = "rejected"
)

// SMS opt-in statuses.
const (
	OptInPending         = "pending"
	OptInOptedIn         = "opted_in"
	OptInOptedOut        = "opted_out"
	OptInInvalidResponse = "invalid_response"
)

// Delivery statuses and channels.
const (
	DeliveryQueued    = "queued"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped"

	DeliveryChannelSMS = "sms"
)

// Campaign is a direct-mail campaign that funds rewards.
type Campaign struct {
	ID              uuid.UUID  `json:"id"`
	ClientID        uuid.UUID  `json:"client_id"`
	AudienceID      uuid.UUID  `json:"audience_id"`
	Name            string     `json:"name"`
	BudgetMode      string     `json:"budget_mode"`
	CreditAccountID *uuid.UUID `json:"credit_account_id,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Condition is an ordered gate that unlocks a reward for a recipient.
type Condition struct {
	ID              uuid.UUID `json:"id"`
	CampaignID      uuid.UUID `json:"campaign_id"`
	ConditionNumber int       `json:"condition_number"`
	TriggerType     string    `json:"trigger_type"`
	// TriggerValue is the required call disposition or CRM event name. Empty matches any.
	TriggerValue   string    `json:"trigger_value"`
	TimeDelayHours int       `json:"time_delay_hours"`
	BrandID        uuid.UUID `json:"brand_id"`
	CardValue      int64     `json:"card_value"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecipientConditionStatus tracks one recipient's progress through one condition.
// IsMet marks the prerequisite as unlocked; TriggeredAt marks the reward as sent.
type RecipientConditionStatus struct {
	RecipientID           uuid.UUID  `json:"recipient_id"`
	CampaignID            uuid.UUID  `json:"campaign_id"`
	ConditionNumber       int        `json:"condition_number"`
	IsMet                 bool       `json:"is_met"`
	MetAt                 *time.Time `json:"met_at,omitempty"`
	TriggeredAt           *time.Time `json:"triggered_at,omitempty"`
	ProvisioningStartedAt *time.Time `json:"provisioning_started_at,omitempty"`
	LastError             *string    `json:"last_error,omitempty"`
	Attempts              int        `json:"attempts"`
}

// Triggered reports whether the reward for this condition has been sent.
func (s *RecipientConditionStatus) Triggered() bool {
	return s != nil && s.TriggeredAt != nil
}

// CreditAccount is a budget ledger scoped to a client or a single campaign.
type CreditAccount struct {
	ID             uuid.UUID `json:"id"`
	AccountType    string    `json:"account_type"`
	OwnerID        uuid.UUID `json:"owner_id"`
	TotalUsed      int64     `json:"total_used"`
	TotalRemaining int64     `json:"total_remaining"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreditTransaction is an append-only ledger row.
type CreditTransaction struct {
	ID              uuid.UUID       `json:"id"`
	AccountID       uuid.UUID       `json:"account_id"`
	Amount          int64           `json:"amount"`
	BalanceBefore   int64           `json:"balance_before"`
	BalanceAfter    int64           `json:"balance_after"`
	TransactionType string          `json:"transaction_type"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// GiftCardBrand is a merchant whose cards can be provisioned.
type GiftCardBrand struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	ProviderBrandCode string    `json:"provider_brand_code"`
}

// GiftCardPool is a source of cards of one brand and value.
type GiftCardPool struct {
	ID             uuid.UUID `json:"id"`
	BrandID        uuid.UUID `json:"brand_id"`
	CardValue      int64     `json:"card_value"`
	PoolType       string    `json:"pool_type"`
	CostPerCard    int64     `json:"cost_per_card"`
	AvailableCards int       `json:"available_cards"`
	APIProvider    *string   `json:"api_provider,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// GiftCard is a single card belonging to a pool.
type GiftCard struct {
	ID                 uuid.UUID  `json:"id"`
	PoolID             uuid.UUID  `json:"pool_id"`
	CardCode           string     `json:"card_code"`
	CardNumber         *string    `json:"card_number,omitempty"`
	CardValue          int64      `json:"card_value"`
	Status             string     `json:"status"`
	ClaimedByRecipient *uuid.UUID `json:"claimed_by_recipient,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// GiftCardRedemption is the recipient-facing claim of a provisioned card.
type GiftCardRedemption struct {
	ID               uuid.UUID  `json:"id"`
	CampaignID       uuid.UUID  `json:"campaign_id"`
	RecipientID      uuid.UUID  `json:"recipient_id"`
	ConditionNumber  *int       `json:"condition_number,omitempty"`
	RedemptionCode   string     `json:"redemption_code"`
	RedemptionToken  uuid.UUID  `json:"redemption_token"`
	GiftCardID       *uuid.UUID `json:"gift_card_id,omitempty"`
	AmountCharged    int64      `json:"amount_charged"`
	AccountChargedID *uuid.UUID `json:"account_charged_id,omitempty"`
	Status           string     `json:"status"`
	RequesterIP      *string    `json:"requester_ip,omitempty"`
	UserAgent        *string    `json:"user_agent,omitempty"`
	ReviewedBy       *string    `json:"reviewed_by,omitempty"`
	RejectionReason  *string    `json:"rejection_reason,omitempty"`
	ReviewStartedAt  *time.Time `json:"review_started_at,omitempty"`
	ViewedAt         *time.Time `json:"viewed_at,omitempty"`
	RedeemedAt       *time.Time `json:"redeemed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Recipient is a mail/call contact in a campaign audience.
type Recipient struct {
	ID              uuid.UUID `json:"id"`
	AudienceID      uuid.UUID `json:"audience_id"`
	ClientID        uuid.UUID `json:"client_id"`
	FirstName       string    `json:"first_name"`
	Phone           *string   `json:"phone,omitempty"`
	Email           *string   `json:"email,omitempty"`
	RedemptionToken string    `json:"redemption_token"`
	SMSOptInStatus  string    `json:"sms_opt_in_status"`
	CreatedAt       time.Time `json:"created_at"`
}

// OptedIn reports whether the recipient consented to SMS.
func (r *Recipient) OptedIn() bool {
	return r != nil && r.SMSOptInStatus == OptInOptedIn
}

// RewardEvent is the normalized audit row for an inbound event.
type RewardEvent struct {
	ID                 uuid.UUID       `json:"id"`
	CampaignID         *uuid.UUID      `json:"campaign_id,omitempty"`
	Provider           string          `json:"provider"`
	EventType          string          `json:"event_type"`
	EventName          string          `json:"event_name"`
	RawPayload         json.RawMessage `json:"raw_payload"`
	RecipientID        *uuid.UUID      `json:"recipient_id,omitempty"`
	Matched            bool            `json:"matched"`
	SignatureValid     bool            `json:"signature_valid"`
	ConditionTriggered bool            `json:"condition_triggered"`
	Processed          bool            `json:"processed"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Delivery records one outbound send of a redemption code.
type Delivery struct {
	ID                uuid.UUID  `json:"id"`
	CampaignID        uuid.UUID  `json:"campaign_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	RedemptionID      *uuid.UUID `json:"redemption_id,omitempty"`
	Channel           string     `json:"channel"`
	Destination       string     `json:"destination"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	Status            string     `json:"status"`
	Error             *string    `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// OperationalAlert is an internal record raised for conditions needing operator attention.
type OperationalAlert struct {
	ID        uuid.UUID       `json:"id"`
	Severity  string          `json:"severity"`
	Category  string          `json:"category"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Alert severities and categories.
const (
	AlertSeverityCritical = "critical"
	AlertSeverityWarning  = "warning"

	AlertCategoryProvisioning = "provisioning_exhausted"
	AlertCategoryOptIn        = "opt_in_required"
	AlertCategoryRedemption   = "redemption_persist_failed"
)

// DueCondition identifies a time-delayed condition whose delay has elapsed for a recipient.
type DueCondition struct {
	RecipientID     uuid.UUID `json:"recipient_id"`
	CampaignID      uuid.UUID `json:"campaign_id"`
	ConditionNumber int       `json:"condition_number"`
	PrerequisiteMet time.Time `json:"prerequisite_met_at"`
}

// StalledCondition is a met condition whose fulfillment failed and was never retried.
type StalledCondition struct {
	RecipientID     uuid.UUID `json:"recipient_id"`
	CampaignID      uuid.UUID `json:"campaign_id"`
	ConditionNumber int       `json:"condition_number"`
	Attempts        int       `json:"attempts"`
	LastError       *string   `json:"last_error,omitempty"`
}
