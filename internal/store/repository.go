/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the reward fulfillment pipeline. The application
 * layer depends on this interface only, so tests can substitute in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Campaign and condition methods
	GetCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
	ListActiveConditions(ctx context.Context, campaignID uuid.UUID) ([]domain.Condition, error)
	GetConditionStatuses(ctx context.Context, recipientID, campaignID uuid.UUID) ([]domain.RecipientConditionStatus, error)
	// MarkConditionMet flips is_met for the condition, guarded by the prerequisite being met.
	// It reports false when the condition was already met and ErrPrerequisiteNotMet when blocked.
	MarkConditionMet(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (bool, error)
	AcquireProvisioningLease(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int, lease time.Duration) (bool, error)
	ReleaseProvisioningLease(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int, lastError string) error
	// MarkConditionTriggered sets triggered_at only while it is still null.
	MarkConditionTriggered(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (bool, error)
	FindDueTimeDelayedConditions(ctx context.Context, now time.Time, limit int) ([]domain.DueCondition, error)
	// FindStalledConditions returns met conditions that were never triggered and whose
	// provisioning lease is free, least-attempted first.
	FindStalledConditions(ctx context.Context, now time.Time, staleAfter time.Duration, maxAttempts, limit int) ([]domain.StalledCondition, error)

	// Recipient methods
	GetRecipient(ctx context.Context, recipientID uuid.UUID) (*domain.Recipient, error)
	FindRecipientByPhoneSuffix(ctx context.Context, audienceID uuid.UUID, phoneSuffix string) (*domain.Recipient, error)
	FindRecipientByEmail(ctx context.Context, audienceID uuid.UUID, email string) (*domain.Recipient, error)
	FindRecipientByRedemptionToken(ctx context.Context, token string) (*domain.Recipient, error)

	// Credit ledger methods
	FindCreditAccountForCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.CreditAccount, error)
	DebitCreditAccount(ctx context.Context, accountID uuid.UUID, amount int64) (balanceBefore, balanceAfter int64, err error)
	RefundCreditAccount(ctx context.Context, accountID uuid.UUID, amount int64) (balanceBefore, balanceAfter int64, err error)
	InsertCreditTransaction(ctx context.Context, txn *domain.CreditTransaction) error

	// Gift card methods
	GetGiftCardBrand(ctx context.Context, brandID uuid.UUID) (*domain.GiftCardBrand, error)
	ListInventoryPools(ctx context.Context, brandID uuid.UUID, cardValue int64) ([]domain.GiftCardPool, error)
	ClaimCardFromPool(ctx context.Context, poolID, recipientID uuid.UUID) (*domain.GiftCard, error)
	FindAPIConfigPool(ctx context.Context, brandID uuid.UUID, cardValue int64) (*domain.GiftCardPool, error)
	InsertIssuedCard(ctx context.Context, card *domain.GiftCard) error
	GetGiftCard(ctx context.Context, cardID uuid.UUID) (*domain.GiftCard, error)

	// Redemption methods
	CreateProvisionedRedemption(ctx context.Context, redemption *domain.GiftCardRedemption) error
	AttachCardToRedemption(ctx context.Context, redemptionID, cardID, accountID uuid.UUID, amount int64, reviewer string) (*domain.GiftCardRedemption, error)
	CreatePendingRedemption(ctx context.Context, redemption *domain.GiftCardRedemption) (*domain.GiftCardRedemption, error)
	ListRedemptionsForRecipient(ctx context.Context, campaignID, recipientID uuid.UUID) ([]domain.GiftCardRedemption, error)
	GetRedemption(ctx context.Context, redemptionID uuid.UUID) (*domain.GiftCardRedemption, error)
	GetRedemptionByToken(ctx context.Context, token uuid.UUID) (*domain.GiftCardRedemption, error)
	TransitionRedemption(ctx context.Context, params TransitionRedemptionParams) (*domain.GiftCardRedemption, error)
	// ClaimPendingRedemption stamps review_started_at on a pending row whose review claim is
	// free. It returns ErrRedemptionStateChanged when the row is not pending or already claimed.
	ClaimPendingRedemption(ctx context.Context, redemptionID uuid.UUID, lease time.Duration) (*domain.GiftCardRedemption, error)
	ReleasePendingRedemption(ctx context.Context, redemptionID uuid.UUID) error

	// Delivery methods
	HasSettledDelivery(ctx context.Context, recipientID, campaignID uuid.UUID) (bool, error)
	HasSettledDeliveryForRedemption(ctx context.Context, redemptionID uuid.UUID) (bool, error)
	CreateDelivery(ctx context.Context, delivery *domain.Delivery) error
	UpdateDeliveryStatus(ctx context.Context, deliveryID uuid.UUID, status string, providerMessageID, errMsg *string) error
	ListSentDeliveriesBefore(ctx context.Context, before time.Time, limit int) ([]domain.Delivery, error)

	// Event and alert methods
	CreateRewardEvent(ctx context.Context, event *domain.RewardEvent) error
	MarkRewardEventProcessed(ctx context.Context, eventID uuid.UUID, conditionTriggered bool) error
	InsertOperationalAlert(ctx context.Context, alert *domain.OperationalAlert) error
}

// TransitionRedemptionParams describes a compare-and-swap status change on a redemption.
type TransitionRedemptionParams struct {
	RedemptionID    uuid.UUID
	From            []string
	To              string
	ReviewedBy      *string
	RejectionReason *string
	// ReviewLease, when set, refuses to move a pending row whose review claim is younger than it.
	ReviewLease time.Duration
}
