/**
 * @description
 * The condition evaluator advances a recipient through a campaign's ordered conditions:
 * not_started -> prerequisite_met -> triggered.
 *
 * Key features:
 * - Picks the lowest active condition whose trigger matches the event, whose prerequisite
 *   is met and which has not been triggered yet.
 * - Marks it met (the store guards the prerequisite), takes the provisioning lease and
 *   runs the fulfillment flow.
 * - Stamps triggered_at only after a successful fulfillment, so failures stay retryable.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/Phillboard/mobul-sub001/pkg/rabbitmq"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Evaluation outcomes reported in EvaluationResult.Reason.
const (
	ReasonTriggered           = "triggered"
	ReasonNoMatchingCondition = "no_matching_condition"
	ReasonOptInRequired       = "opt_in_required"
	ReasonPrerequisiteNotMet  = "prerequisite_not_met"
	ReasonInProgress          = "provisioning_in_progress"
	ReasonProvisioningFailed  = "provisioning_failed"
)

// EvaluateRequest is one event applied to one recipient in one campaign.
type EvaluateRequest struct {
	RecipientID uuid.UUID              `json:"recipient_id"`
	CampaignID  uuid.UUID              `json:"campaign_id"`
	EventType   string                 `json:"event_type"`
	EventName   string                 `json:"event_name,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// EvaluationResult reports what the evaluation did.
type EvaluationResult struct {
	ConditionTriggered bool                     `json:"condition_triggered"`
	ConditionNumber    int                      `json:"condition_number,omitempty"`
	Reason             string                   `json:"reason"`
	Fulfillment        *ProvisionGiftCardResult `json:"fulfillment,omitempty"`
	Delivery           *domain.Delivery         `json:"delivery,omitempty"`
}

// Evaluator runs the per-recipient condition state machine.
type Evaluator struct {
	repo        store.Repository
	fulfillment *Fulfillment
	dispatcher  *Dispatcher
	publisher   rabbitmq.Publisher
	lease       time.Duration
	now         func() time.Time
}

func NewEvaluator(repo store.Repository, fulfillment *Fulfillment, dispatcher *Dispatcher, publisher rabbitmq.Publisher, lease time.Duration) *Evaluator {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Evaluator{
		repo:        repo,
		fulfillment: fulfillment,
		dispatcher:  dispatcher,
		publisher:   publisher,
		lease:       lease,
		now:         time.Now,
	}
}

// EvaluateConditions applies an event. Fulfillment failures are returned as typed errors
// alongside a result whose Reason is provisioning_failed.
func (e *Evaluator) EvaluateConditions(ctx context.Context, req EvaluateRequest) (result *EvaluationResult, err error) {
	ctx, span := tracer.Start(ctx, "Evaluator.EvaluateConditions")
	span.SetAttributes(
		attribute.String("campaign.id", req.CampaignID.String()),
		attribute.String("recipient.id", req.RecipientID.String()),
		attribute.String("event.type", req.EventType),
	)
	defer func() { endSpan(span, err) }()

	if req.RecipientID == uuid.Nil || req.CampaignID == uuid.Nil {
		return nil, domain.NewValidationError("recipient_id and campaign_id are required")
	}
	if strings.TrimSpace(req.EventType) == "" {
		return nil, domain.NewValidationError("event_type is required")
	}

	conditions, err := e.repo.ListActiveConditions(ctx, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	statusList, err := e.repo.GetConditionStatuses(ctx, req.RecipientID, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load condition statuses: %w", err)
	}
	statuses := make(map[int]domain.RecipientConditionStatus, len(statusList))
	for _, s := range statusList {
		statuses[s.ConditionNumber] = s
	}

	condition := e.selectCondition(conditions, statuses, req)
	if condition == nil {
		return &EvaluationResult{Reason: ReasonNoMatchingCondition}, nil
	}
	span.SetAttributes(attribute.Int("condition.number", condition.ConditionNumber))

	recipient, err := e.repo.GetRecipient(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("load recipient: %w", err)
	}
	if isCallSourced(req.EventType) && !recipient.OptedIn() {
		raiseAlert(ctx, e.repo, domain.AlertSeverityWarning, domain.AlertCategoryOptIn,
			"call-sourced condition blocked until recipient opts in to SMS",
			map[string]interface{}{
				"campaign_id":      req.CampaignID,
				"recipient_id":     req.RecipientID,
				"condition_number": condition.ConditionNumber,
				"opt_in_status":    recipient.SMSOptInStatus,
			})
		return &EvaluationResult{ConditionNumber: condition.ConditionNumber, Reason: ReasonOptInRequired}, nil
	}

	if _, err := e.repo.MarkConditionMet(ctx, req.RecipientID, req.CampaignID, condition.ConditionNumber); err != nil {
		if errors.Is(err, store.ErrPrerequisiteNotMet) {
			return &EvaluationResult{ConditionNumber: condition.ConditionNumber, Reason: ReasonPrerequisiteNotMet}, nil
		}
		return nil, fmt.Errorf("mark condition met: %w", err)
	}

	return e.fulfillCondition(ctx, recipient, *condition)
}

// RetryCondition re-attempts fulfillment for a condition that was marked met but never
// triggered. It does not re-evaluate the trigger; the event that met the condition has
// already been acknowledged and will not be delivered again.
func (e *Evaluator) RetryCondition(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (result *EvaluationResult, err error) {
	ctx, span := tracer.Start(ctx, "Evaluator.RetryCondition")
	span.SetAttributes(
		attribute.String("campaign.id", campaignID.String()),
		attribute.String("recipient.id", recipientID.String()),
		attribute.Int("condition.number", conditionNumber),
	)
	defer func() { endSpan(span, err) }()

	if recipientID == uuid.Nil || campaignID == uuid.Nil || conditionNumber < 1 {
		return nil, domain.NewValidationError("recipient_id, campaign_id and condition_number are required")
	}

	conditions, err := e.repo.ListActiveConditions(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	var condition *domain.Condition
	for i := range conditions {
		if conditions[i].ConditionNumber == conditionNumber {
			condition = &conditions[i]
			break
		}
	}
	if condition == nil {
		return &EvaluationResult{ConditionNumber: conditionNumber, Reason: ReasonNoMatchingCondition}, nil
	}

	statuses, err := e.repo.GetConditionStatuses(ctx, recipientID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load condition statuses: %w", err)
	}
	stalled := false
	for _, s := range statuses {
		if s.ConditionNumber == conditionNumber {
			stalled = s.IsMet && !s.Triggered()
			break
		}
	}
	if !stalled {
		return &EvaluationResult{ConditionNumber: conditionNumber, Reason: ReasonNoMatchingCondition}, nil
	}

	recipient, err := e.repo.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("load recipient: %w", err)
	}
	return e.fulfillCondition(ctx, recipient, *condition)
}

// fulfillCondition runs everything after a condition is marked met: the provisioning
// lease, the gift card, the triggered_at stamp and the SMS.
func (e *Evaluator) fulfillCondition(ctx context.Context, recipient *domain.Recipient, condition domain.Condition) (*EvaluationResult, error) {
	recipientID, campaignID, number := recipient.ID, condition.CampaignID, condition.ConditionNumber

	acquired, err := e.repo.AcquireProvisioningLease(ctx, recipientID, campaignID, number, e.lease)
	if err != nil {
		return nil, fmt.Errorf("acquire provisioning lease: %w", err)
	}
	if !acquired {
		log.Printf("level=info component=evaluator msg=\"provisioning already in progress or done\" recipient_id=%s campaign_id=%s condition=%d", recipientID, campaignID, number)
		return &EvaluationResult{ConditionNumber: number, Reason: ReasonInProgress}, nil
	}

	existing, err := e.existingRedemption(ctx, campaignID, recipientID, number)
	if err != nil {
		_ = e.repo.ReleaseProvisioningLease(ctx, recipientID, campaignID, number, err.Error())
		return nil, err
	}
	if existing != nil {
		return e.repairTrigger(ctx, recipient, condition, existing)
	}

	fulfilled, err := e.fulfillment.ProvisionGiftCard(ctx, ProvisionGiftCardRequest{
		CampaignID:      campaignID,
		BrandID:         condition.BrandID,
		Denomination:    condition.CardValue,
		RecipientID:     recipientID,
		RedemptionCode:  recipient.RedemptionToken,
		DeliveryMethod:  domain.DeliveryChannelSMS,
		ConditionNumber: number,
	})
	if err != nil {
		if releaseErr := e.repo.ReleaseProvisioningLease(ctx, recipientID, campaignID, number, err.Error()); releaseErr != nil {
			log.Printf("level=warn component=evaluator msg=\"failed to release provisioning lease\" recipient_id=%s condition=%d err=%v", recipientID, number, releaseErr)
		}
		log.Printf("level=warn component=evaluator msg=\"fulfillment failed; condition left retryable\" recipient_id=%s campaign_id=%s condition=%d kind=%s err=%v",
			recipientID, campaignID, number, domain.KindOf(err), err)
		notify(ctx, e.publisher, rabbitmq.RoutingRewardProvisioningFailed, rabbitmq.RewardEvent{
			CampaignID:      campaignID,
			RecipientID:     recipientID,
			ConditionNumber: number,
			Amount:          condition.CardValue,
			Reason:          string(domain.KindOf(err)),
		})
		return &EvaluationResult{ConditionNumber: number, Reason: ReasonProvisioningFailed}, err
	}

	stamped, err := e.repo.MarkConditionTriggered(ctx, recipientID, campaignID, number)
	if err != nil {
		// The reward exists; the redemption row's uniqueness blocks a second one on retry.
		log.Printf("level=error component=evaluator msg=\"failed to stamp triggered_at\" recipient_id=%s condition=%d err=%v", recipientID, number, err)
	} else if !stamped {
		log.Printf("level=warn component=evaluator msg=\"triggered_at already set\" recipient_id=%s condition=%d", recipientID, number)
	}

	redemptionID := fulfilled.Redemption.ID
	result := &EvaluationResult{
		ConditionTriggered: true,
		ConditionNumber:    number,
		Reason:             ReasonTriggered,
		Fulfillment:        fulfilled,
		Delivery:           e.dispatch(ctx, recipient, condition, redemptionID),
	}

	notify(ctx, e.publisher, rabbitmq.RoutingRewardProvisioned, rabbitmq.RewardEvent{
		CampaignID:      campaignID,
		RecipientID:     recipientID,
		ConditionNumber: number,
		RedemptionID:    &redemptionID,
		Amount:          condition.CardValue,
		Source:          fulfilled.Source,
	})

	log.Printf("level=info component=evaluator msg=\"condition triggered\" recipient_id=%s campaign_id=%s condition=%d source=%s", recipientID, campaignID, number, fulfilled.Source)
	return result, nil
}

// repairTrigger finishes an attempt that provisioned the card but crashed before
// stamping triggered_at or sending the SMS.
func (e *Evaluator) repairTrigger(ctx context.Context, recipient *domain.Recipient, condition domain.Condition, existing *domain.GiftCardRedemption) (*EvaluationResult, error) {
	number := condition.ConditionNumber
	if _, err := e.repo.MarkConditionTriggered(ctx, recipient.ID, condition.CampaignID, number); err != nil {
		_ = e.repo.ReleaseProvisioningLease(ctx, recipient.ID, condition.CampaignID, number, err.Error())
		return nil, fmt.Errorf("mark condition triggered: %w", err)
	}
	result := &EvaluationResult{ConditionTriggered: true, ConditionNumber: number, Reason: ReasonTriggered}

	settled, err := e.repo.HasSettledDeliveryForRedemption(ctx, existing.ID)
	if err != nil {
		log.Printf("level=error component=evaluator msg=\"failed to check delivery for repaired redemption\" redemption_id=%s err=%v", existing.ID, err)
	} else if !settled {
		result.Delivery = e.dispatch(ctx, recipient, condition, existing.ID)
	}

	log.Printf("level=info component=evaluator msg=\"condition repaired from existing redemption\" recipient_id=%s condition=%d redemption_id=%s resent=%t", recipient.ID, number, existing.ID, result.Delivery != nil)
	return result, nil
}

func (e *Evaluator) dispatch(ctx context.Context, recipient *domain.Recipient, condition domain.Condition, redemptionID uuid.UUID) *domain.Delivery {
	if e.dispatcher == nil {
		return nil
	}
	delivery, err := e.dispatcher.SendRedemption(ctx, DeliveryRequest{
		CampaignID:     condition.CampaignID,
		RecipientID:    recipient.ID,
		RedemptionID:   &redemptionID,
		RedemptionCode: recipient.RedemptionToken,
		CardValue:      condition.CardValue,
	})
	if err != nil {
		log.Printf("level=error component=evaluator msg=\"delivery dispatch failed\" recipient_id=%s redemption_id=%s err=%v", recipient.ID, redemptionID, err)
	}
	return delivery
}

func (e *Evaluator) existingRedemption(ctx context.Context, campaignID, recipientID uuid.UUID, conditionNumber int) (*domain.GiftCardRedemption, error) {
	redemptions, err := e.repo.ListRedemptionsForRecipient(ctx, campaignID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("load redemptions: %w", err)
	}
	for i := range redemptions {
		if n := redemptions[i].ConditionNumber; n != nil && *n == conditionNumber {
			return &redemptions[i], nil
		}
	}
	return nil, nil
}

// selectCondition returns the lowest untriggered condition that matches the event and
// whose prerequisite is met.
func (e *Evaluator) selectCondition(conditions []domain.Condition, statuses map[int]domain.RecipientConditionStatus, req EvaluateRequest) *domain.Condition {
	for i := range conditions {
		c := conditions[i]
		current, hasCurrent := statuses[c.ConditionNumber]
		if hasCurrent && current.Triggered() {
			continue
		}

		var prerequisite *domain.RecipientConditionStatus
		if c.ConditionNumber > 1 {
			prev, ok := statuses[c.ConditionNumber-1]
			if !ok || !prev.IsMet {
				continue
			}
			prerequisite = &prev
		}

		if !e.triggerMatches(c, prerequisite, req) {
			continue
		}
		return &c
	}
	return nil
}

func (e *Evaluator) triggerMatches(c domain.Condition, prerequisite *domain.RecipientConditionStatus, req EvaluateRequest) bool {
	eventType := strings.ToLower(req.EventType)
	switch c.TriggerType {
	case domain.TriggerCallCompleted:
		if eventType != domain.EventTypeCallCompleted {
			return false
		}
		return c.TriggerValue == "" || strings.EqualFold(metadataString(req.Metadata, "disposition"), c.TriggerValue)
	case domain.TriggerCRMEvent:
		if eventType != domain.EventTypeCRMEvent {
			return false
		}
		return c.TriggerValue == "" || strings.EqualFold(req.EventName, c.TriggerValue)
	case domain.TriggerTimeDelayed:
		if eventType != domain.EventTypeTimeDelayedTrigger {
			return false
		}
		if prerequisite == nil {
			return true
		}
		if prerequisite.MetAt == nil {
			return false
		}
		due := prerequisite.MetAt.Add(time.Duration(c.TimeDelayHours) * time.Hour)
		return !due.After(e.now())
	default:
		return false
	}
}

func isCallSourced(eventType string) bool {
	switch strings.ToLower(eventType) {
	case domain.EventTypeCallCompleted, domain.EventTypeCallStatus:
		return true
	}
	return false
}

func metadataString(metadata map[string]interface{}, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
