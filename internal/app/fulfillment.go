/**
 * @description
 * This file contains the gift card fulfillment flow. `Fulfillment` coordinates the
 * credit ledger, the card provisioner and the redemption record so that a reward is
 * paid for exactly once.
 *
 * Key features:
 * - Claim a pending manual redemption before touching credit, so a concurrent reject
 *   cannot land between the debit and the card being attached.
 * - Check and debit credit before any card is claimed.
 * - Refund the debit when provisioning fails afterwards.
 * - Record the redemption as provisioned, either as a new row or by attaching the card
 *   to an approved pending row.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ProvisionGiftCardRequest describes one paid reward.
type ProvisionGiftCardRequest struct {
	CampaignID      uuid.UUID  `json:"campaign_id"`
	BrandID         uuid.UUID  `json:"brand_id"`
	Denomination    int64      `json:"denomination"`
	RecipientID     uuid.UUID  `json:"recipient_id"`
	RedemptionCode  string     `json:"redemption_code"`
	DeliveryMethod  string     `json:"delivery_method,omitempty"`
	ConditionNumber int        `json:"condition_number,omitempty"`
	RedemptionID    *uuid.UUID `json:"redemption_id,omitempty"`
	ReviewedBy      string     `json:"-"`
}

// CardDetails is the card data returned to callers.
type CardDetails struct {
	ID         uuid.UUID `json:"id"`
	CardCode   string    `json:"card_code"`
	CardNumber *string   `json:"card_number,omitempty"`
	CardValue  int64     `json:"card_value"`
}

// ProvisionGiftCardResult reports a successful fulfillment.
type ProvisionGiftCardResult struct {
	Success         bool                       `json:"success"`
	Redemption      *domain.GiftCardRedemption `json:"redemption"`
	Card            CardDetails                `json:"card"`
	Source          string                     `json:"source"`
	CreditRemaining int64                      `json:"credit_remaining"`
}

// Fulfillment pays for and provisions one gift card.
type Fulfillment struct {
	repo        store.Repository
	ledger      *Ledger
	provisioner *Provisioner
}

func NewFulfillment(repo store.Repository, ledger *Ledger, provisioner *Provisioner) *Fulfillment {
	return &Fulfillment{repo: repo, ledger: ledger, provisioner: provisioner}
}

// ProvisionGiftCard runs validate, check, debit, provision and record, in that order.
func (f *Fulfillment) ProvisionGiftCard(ctx context.Context, req ProvisionGiftCardRequest) (result *ProvisionGiftCardResult, err error) {
	ctx, span := tracer.Start(ctx, "Fulfillment.ProvisionGiftCard")
	span.SetAttributes(
		attribute.String("campaign.id", req.CampaignID.String()),
		attribute.String("recipient.id", req.RecipientID.String()),
		attribute.Int64("reward.denomination", req.Denomination),
	)
	defer func() { endSpan(span, err) }()

	if err := validateProvisionRequest(req); err != nil {
		return nil, err
	}

	if req.RedemptionID != nil {
		if _, err := f.repo.ClaimPendingRedemption(ctx, *req.RedemptionID, pendingReviewLease); err != nil {
			if errors.Is(err, store.ErrRedemptionStateChanged) {
				return nil, pendingConflict(ctx, f.repo, *req.RedemptionID)
			}
			return nil, fmt.Errorf("claim pending redemption: %w", err)
		}
		defer func() {
			if err == nil {
				return
			}
			if releaseErr := f.repo.ReleasePendingRedemption(ctx, *req.RedemptionID); releaseErr != nil {
				log.Printf("level=warn component=fulfillment msg=\"failed to release review claim\" redemption_id=%s err=%v", req.RedemptionID, releaseErr)
			}
		}()
	}

	check, err := f.ledger.CheckSufficient(ctx, req.CampaignID, req.Denomination)
	if err != nil {
		return nil, err
	}
	if !check.Sufficient {
		log.Printf("level=warn component=fulfillment msg=\"insufficient credit\" campaign_id=%s account_id=%s available=%d requested=%d", req.CampaignID, check.AccountID, check.Available, req.Denomination)
		return nil, domain.NewOverdraftError(check.Available, req.Denomination)
	}

	metadata := map[string]interface{}{
		"campaign_id":      req.CampaignID,
		"recipient_id":     req.RecipientID,
		"brand_id":         req.BrandID,
		"condition_number": req.ConditionNumber,
		"redemption_code":  req.RedemptionCode,
	}
	debit, err := f.ledger.Debit(ctx, check.AccountID, req.Denomination, metadata)
	if err != nil {
		return nil, err
	}

	provisioned, err := f.provisioner.Provision(ctx, ProvisionCardRequest{
		BrandID:      req.BrandID,
		Denomination: req.Denomination,
		RecipientID:  req.RecipientID,
		CampaignID:   req.CampaignID,
		Reference:    fulfillmentReference(req),
	})
	if err != nil {
		f.refund(ctx, check.AccountID, req, err)
		return nil, err
	}

	redemption, err := f.recordRedemption(ctx, req, provisioned, check.AccountID)
	if err != nil {
		// Nobody received the card, so the client is not charged for it. The card itself
		// stays claimed until an operator returns it to the pool.
		f.refund(ctx, check.AccountID, req, err)
		raiseAlert(ctx, f.repo, domain.AlertSeverityCritical, domain.AlertCategoryRedemption,
			"card provisioned but redemption could not be recorded; debit refunded",
			map[string]interface{}{
				"campaign_id":      req.CampaignID,
				"recipient_id":     req.RecipientID,
				"condition_number": req.ConditionNumber,
				"gift_card_id":     provisioned.Card.ID,
				"account_id":       check.AccountID,
				"error":            err.Error(),
			})
		return nil, err
	}

	log.Printf("level=info component=fulfillment msg=\"gift card provisioned\" campaign_id=%s recipient_id=%s redemption_id=%s source=%s credit_remaining=%d",
		req.CampaignID, req.RecipientID, redemption.ID, provisioned.Source, debit.BalanceAfter)

	return &ProvisionGiftCardResult{
		Success:    true,
		Redemption: redemption,
		Card: CardDetails{
			ID:         provisioned.Card.ID,
			CardCode:   provisioned.Card.CardCode,
			CardNumber: provisioned.Card.CardNumber,
			CardValue:  provisioned.Card.CardValue,
		},
		Source:          provisioned.Source,
		CreditRemaining: debit.BalanceAfter,
	}, nil
}

func validateProvisionRequest(req ProvisionGiftCardRequest) error {
	switch {
	case req.CampaignID == uuid.Nil:
		return domain.NewValidationError("campaign_id is required")
	case req.BrandID == uuid.Nil:
		return domain.NewValidationError("brand_id is required")
	case req.RecipientID == uuid.Nil:
		return domain.NewValidationError("recipient_id is required")
	case req.Denomination <= 0:
		return domain.NewValidationError("denomination must be positive")
	case req.RedemptionID == nil && req.RedemptionCode == "":
		return domain.NewValidationError("redemption_code is required")
	case req.RedemptionID == nil && req.ConditionNumber <= 0:
		return domain.NewValidationError("condition_number is required")
	}
	return nil
}

func (f *Fulfillment) refund(ctx context.Context, accountID uuid.UUID, req ProvisionGiftCardRequest, cause error) {
	_, err := f.ledger.Refund(ctx, accountID, req.Denomination, map[string]interface{}{
		"campaign_id":      req.CampaignID,
		"recipient_id":     req.RecipientID,
		"condition_number": req.ConditionNumber,
		"reason":           cause.Error(),
	})
	if err != nil {
		log.Printf("level=error component=fulfillment msg=\"CRITICAL: failed to refund debit after provisioning failure\" account_id=%s amount=%d err=%v", accountID, req.Denomination, err)
	}
}

func (f *Fulfillment) recordRedemption(ctx context.Context, req ProvisionGiftCardRequest, card *ProvisionedCard, accountID uuid.UUID) (*domain.GiftCardRedemption, error) {
	if req.RedemptionID != nil {
		red, err := f.repo.AttachCardToRedemption(ctx, *req.RedemptionID, card.Card.ID, accountID, req.Denomination, req.ReviewedBy)
		if err != nil {
			return nil, fmt.Errorf("attach card to redemption: %w", err)
		}
		return red, nil
	}

	conditionNumber := req.ConditionNumber
	cardID := card.Card.ID
	red := &domain.GiftCardRedemption{
		CampaignID:       req.CampaignID,
		RecipientID:      req.RecipientID,
		ConditionNumber:  &conditionNumber,
		RedemptionCode:   req.RedemptionCode,
		GiftCardID:       &cardID,
		AmountCharged:    req.Denomination,
		AccountChargedID: &accountID,
		Status:           domain.RedemptionProvisioned,
	}
	if err := f.repo.CreateProvisionedRedemption(ctx, red); err != nil {
		if errors.Is(err, store.ErrRedemptionExists) {
			return nil, err
		}
		return nil, fmt.Errorf("create redemption: %w", err)
	}
	return red, nil
}

func fulfillmentReference(req ProvisionGiftCardRequest) string {
	if req.RedemptionID != nil {
		return "redemption:" + req.RedemptionID.String()
	}
	return fmt.Sprintf("condition:%s:%s:%d", req.CampaignID, req.RecipientID, req.ConditionNumber)
}
