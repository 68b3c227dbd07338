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

var (
	// ErrCodeNotFound is the public answer for unknown codes and codes from another tenant.
	ErrCodeNotFound    = domain.NewNotFoundError("CODE_NOT_FOUND", "code not found")
	ErrAlreadyRedeemed = domain.NewConflictError("ALREADY_REDEEMED", "already redeemed")
	ErrNotPending      = domain.NewConflictError("REDEMPTION_NOT_PENDING", "redemption is not pending review")
	ErrNotViewed       = domain.NewConflictError("REDEMPTION_NOT_VIEWED", "redemption must be viewed before it is redeemed")
	ErrNoRewardDefined = domain.NewValidationError("campaign has no active reward condition")
	ErrInReview        = domain.NewConflictError("REDEMPTION_IN_REVIEW", "redemption is being approved by another reviewer")
)

// pendingReviewLease bounds how long an approval holds a pending row before another
// reviewer may act on it.
const pendingReviewLease = 5 * time.Minute

// ValidateCodeRequest is a public code submission.
type ValidateCodeRequest struct {
	Code       string    `json:"code"`
	CampaignID uuid.UUID `json:"campaign_id"`
	IP         string    `json:"-"`
	UserAgent  string    `json:"-"`
}

// ValidateCodeResult is returned to the public redemption page.
type ValidateCodeResult struct {
	Valid           bool       `json:"valid"`
	RedemptionID    *uuid.UUID `json:"redemption_id,omitempty"`
	RedemptionToken *uuid.UUID `json:"redemption_token,omitempty"`
	AlreadyViewed   bool       `json:"already_viewed"`
	Status          string     `json:"status,omitempty"`
	Message         string     `json:"message,omitempty"`
	// OtherRewards lists the recipient's other unredeemed cards. They are not marked viewed;
	// the next one surfaces once the current reward is redeemed.
	OtherRewards []RewardSummary `json:"other_rewards,omitempty"`
}

// RewardSummary identifies a provisioned or viewed card without revealing it.
type RewardSummary struct {
	RedemptionID    uuid.UUID `json:"redemption_id"`
	RedemptionToken uuid.UUID `json:"redemption_token"`
	ConditionNumber *int      `json:"condition_number,omitempty"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
}

// RedemptionManager owns the redemption state machine:
// none -> pending -> provisioned -> viewed -> redeemed, and pending -> rejected.
type RedemptionManager struct {
	repo        store.Repository
	fulfillment *Fulfillment
	publisher   rabbitmq.Publisher
}

func NewRedemptionManager(repo store.Repository, fulfillment *Fulfillment, publisher rabbitmq.Publisher) *RedemptionManager {
	return &RedemptionManager{repo: repo, fulfillment: fulfillment, publisher: publisher}
}

// ValidateCode is safe to call repeatedly: the same code always resolves to the same
// redemption and at most one pending row is ever created.
func (m *RedemptionManager) ValidateCode(ctx context.Context, req ValidateCodeRequest) (result *ValidateCodeResult, err error) {
	ctx, span := tracer.Start(ctx, "RedemptionManager.ValidateCode")
	span.SetAttributes(attribute.String("campaign.id", req.CampaignID.String()))
	defer func() { endSpan(span, err) }()

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.NewValidationError("code is required")
	}
	if req.CampaignID == uuid.Nil {
		return nil, domain.NewValidationError("campaign_id is required")
	}

	campaign, err := m.repo.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	recipient, err := m.repo.FindRecipientByRedemptionToken(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("resolve code: %w", err)
	}
	if recipient.AudienceID != campaign.AudienceID || recipient.ClientID != campaign.ClientID {
		log.Printf("level=warn component=redemption msg=\"code presented for another campaign\" campaign_id=%s recipient_id=%s", campaign.ID, recipient.ID)
		return nil, domain.NewForbiddenError("code does not belong to this campaign")
	}

	delivered, err := m.repo.HasSettledDelivery(ctx, recipient.ID, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("check delivery: %w", err)
	}
	if !delivered {
		return &ValidateCodeResult{Valid: false, Status: "not_approved", Message: "not yet approved"}, nil
	}

	redemptions, err := m.repo.ListRedemptionsForRecipient(ctx, campaign.ID, recipient.ID)
	if err != nil {
		return nil, fmt.Errorf("load redemptions: %w", err)
	}

	// A viewed reward is the one already shown; repeat calls return it unchanged.
	if red := firstWithStatus(redemptions, domain.RedemptionViewed); red != nil {
		result := viewResult(red, true)
		result.OtherRewards = otherRewards(redemptions, red.ID)
		return result, nil
	}
	if red := firstWithStatus(redemptions, domain.RedemptionProvisioned); red != nil {
		result, err := m.markViewed(ctx, red)
		if err != nil {
			return nil, err
		}
		if result.Valid {
			result.OtherRewards = otherRewards(redemptions, red.ID)
		}
		return result, nil
	}
	if red := firstWithStatus(redemptions, domain.RedemptionPending); red != nil {
		return pendingResult(red), nil
	}
	if len(redemptions) > 0 {
		last := redemptions[len(redemptions)-1]
		return &ValidateCodeResult{Valid: false, Status: last.Status, Message: "already redeemed"}, nil
	}

	ip, ua := optionalString(req.IP), optionalString(req.UserAgent)
	pending, err := m.repo.CreatePendingRedemption(ctx, &domain.GiftCardRedemption{
		CampaignID:     campaign.ID,
		RecipientID:    recipient.ID,
		RedemptionCode: code,
		Status:         domain.RedemptionPending,
		RequesterIP:    ip,
		UserAgent:      ua,
	})
	if err != nil {
		return nil, fmt.Errorf("create pending redemption: %w", err)
	}
	log.Printf("level=info component=redemption msg=\"pending redemption created\" redemption_id=%s recipient_id=%s", pending.ID, recipient.ID)
	return pendingResult(pending), nil
}

func (m *RedemptionManager) markViewed(ctx context.Context, red *domain.GiftCardRedemption) (*ValidateCodeResult, error) {
	viewed, err := m.repo.TransitionRedemption(ctx, store.TransitionRedemptionParams{
		RedemptionID: red.ID,
		From:         []string{domain.RedemptionProvisioned},
		To:           domain.RedemptionViewed,
	})
	if err != nil {
		if !errors.Is(err, store.ErrRedemptionStateChanged) {
			return nil, fmt.Errorf("mark viewed: %w", err)
		}
		// A concurrent request won the view; report what it left behind.
		current, getErr := m.repo.GetRedemption(ctx, red.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reload redemption: %w", getErr)
		}
		if current.Status == domain.RedemptionViewed {
			return viewResult(current, true), nil
		}
		return &ValidateCodeResult{Valid: false, Status: current.Status, Message: "already redeemed"}, nil
	}

	notify(ctx, m.publisher, rabbitmq.RoutingRedemptionViewed, rabbitmq.RewardEvent{
		CampaignID:   viewed.CampaignID,
		RecipientID:  viewed.RecipientID,
		RedemptionID: &viewed.ID,
		Amount:       viewed.AmountCharged,
	})
	return viewResult(viewed, false), nil
}

// Approve provisions the campaign's first reward for a pending manual redemption.
func (m *RedemptionManager) Approve(ctx context.Context, redemptionID uuid.UUID, reviewer string) (*ProvisionGiftCardResult, error) {
	red, err := m.repo.GetRedemption(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if err := requirePending(red); err != nil {
		return nil, err
	}

	conditions, err := m.repo.ListActiveConditions(ctx, red.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	if len(conditions) == 0 {
		return nil, ErrNoRewardDefined
	}
	reward := conditions[0]

	redID := red.ID
	result, err := m.fulfillment.ProvisionGiftCard(ctx, ProvisionGiftCardRequest{
		CampaignID:     red.CampaignID,
		BrandID:        reward.BrandID,
		Denomination:   reward.CardValue,
		RecipientID:    red.RecipientID,
		RedemptionCode: red.RedemptionCode,
		DeliveryMethod: domain.DeliveryChannelSMS,
		RedemptionID:   &redID,
		ReviewedBy:     reviewer,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=redemption msg=\"redemption approved\" redemption_id=%s reviewer=%q", red.ID, reviewer)
	notify(ctx, m.publisher, rabbitmq.RoutingRewardProvisioned, rabbitmq.RewardEvent{
		CampaignID:   red.CampaignID,
		RecipientID:  red.RecipientID,
		RedemptionID: &redID,
		Amount:       reward.CardValue,
		Source:       result.Source,
	})
	return result, nil
}

// Reject closes a pending manual redemption. A row that is mid-approval cannot be rejected
// until its review claim expires.
func (m *RedemptionManager) Reject(ctx context.Context, redemptionID uuid.UUID, reviewer, reason string) (*domain.GiftCardRedemption, error) {
	red, err := m.repo.GetRedemption(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if err := requirePending(red); err != nil {
		return nil, err
	}

	rejected, err := m.repo.TransitionRedemption(ctx, store.TransitionRedemptionParams{
		RedemptionID:    red.ID,
		From:            []string{domain.RedemptionPending},
		To:              domain.RedemptionRejected,
		ReviewedBy:      optionalString(reviewer),
		RejectionReason: optionalString(reason),
		ReviewLease:     pendingReviewLease,
	})
	if err != nil {
		if errors.Is(err, store.ErrRedemptionStateChanged) {
			return nil, pendingConflict(ctx, m.repo, red.ID)
		}
		return nil, fmt.Errorf("reject redemption: %w", err)
	}
	log.Printf("level=info component=redemption msg=\"redemption rejected\" redemption_id=%s reviewer=%q", red.ID, reviewer)
	return rejected, nil
}

// MarkRedeemed closes a viewed redemption. Redeemed rows never change again.
func (m *RedemptionManager) MarkRedeemed(ctx context.Context, token uuid.UUID) (*domain.GiftCardRedemption, error) {
	red, err := m.repo.GetRedemptionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if red.Status == domain.RedemptionRedeemed {
		return nil, ErrAlreadyRedeemed
	}

	redeemed, err := m.repo.TransitionRedemption(ctx, store.TransitionRedemptionParams{
		RedemptionID: red.ID,
		From:         []string{domain.RedemptionViewed},
		To:           domain.RedemptionRedeemed,
	})
	if err != nil {
		if errors.Is(err, store.ErrRedemptionStateChanged) {
			current, getErr := m.repo.GetRedemption(ctx, red.ID)
			if getErr == nil && current.Status == domain.RedemptionRedeemed {
				return nil, ErrAlreadyRedeemed
			}
			return nil, ErrNotViewed
		}
		return nil, fmt.Errorf("redeem: %w", err)
	}
	return redeemed, nil
}

// pendingConflict explains why a pending-only change on the row lost its race.
func pendingConflict(ctx context.Context, repo store.Repository, redemptionID uuid.UUID) error {
	current, err := repo.GetRedemption(ctx, redemptionID)
	if err != nil {
		return fmt.Errorf("reload redemption: %w", err)
	}
	if current.Status == domain.RedemptionPending {
		return ErrInReview
	}
	return requirePending(current)
}

func requirePending(red *domain.GiftCardRedemption) error {
	switch red.Status {
	case domain.RedemptionPending:
		return nil
	case domain.RedemptionRedeemed:
		return ErrAlreadyRedeemed
	default:
		return ErrNotPending
	}
}

func firstWithStatus(redemptions []domain.GiftCardRedemption, status string) *domain.GiftCardRedemption {
	for i := range redemptions {
		if redemptions[i].Status == status {
			return &redemptions[i]
		}
	}
	return nil
}

func otherRewards(redemptions []domain.GiftCardRedemption, shown uuid.UUID) []RewardSummary {
	var out []RewardSummary
	for _, red := range redemptions {
		if red.ID == shown {
			continue
		}
		if red.Status != domain.RedemptionProvisioned && red.Status != domain.RedemptionViewed {
			continue
		}
		out = append(out, RewardSummary{
			RedemptionID:    red.ID,
			RedemptionToken: red.RedemptionToken,
			ConditionNumber: red.ConditionNumber,
			Status:          red.Status,
			Amount:          red.AmountCharged,
		})
	}
	return out
}

func viewResult(red *domain.GiftCardRedemption, alreadyViewed bool) *ValidateCodeResult {
	id, token := red.ID, red.RedemptionToken
	return &ValidateCodeResult{
		Valid:           true,
		RedemptionID:    &id,
		RedemptionToken: &token,
		AlreadyViewed:   alreadyViewed,
		Status:          domain.RedemptionViewed,
	}
}

func pendingResult(red *domain.GiftCardRedemption) *ValidateCodeResult {
	id, token := red.ID, red.RedemptionToken
	return &ValidateCodeResult{
		Valid:           true,
		RedemptionID:    &id,
		RedemptionToken: &token,
		Status:          domain.RedemptionPending,
		Message:         "pending approval",
	}
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
