package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const redemptionColumns = `
	id, campaign_id, recipient_id, condition_number, redemption_code, redemption_token, gift_card_id,
	amount_charged, account_charged_id, status, requester_ip, user_agent, reviewed_by, rejection_reason,
	review_started_at, viewed_at, redeemed_at, created_at, updated_at
`

func scanRedemption(row pgx.Row) (*domain.GiftCardRedemption, error) {
	var red domain.GiftCardRedemption
	err := row.Scan(
		&red.ID, &red.CampaignID, &red.RecipientID, &red.ConditionNumber, &red.RedemptionCode, &red.RedemptionToken,
		&red.GiftCardID, &red.AmountCharged, &red.AccountChargedID, &red.Status, &red.RequesterIP, &red.UserAgent,
		&red.ReviewedBy, &red.RejectionReason, &red.ReviewStartedAt, &red.ViewedAt, &red.RedeemedAt, &red.CreatedAt, &red.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &red, nil
}

// CreateProvisionedRedemption records a card that was provisioned for a condition.
// A second row for the same (campaign, recipient, condition) returns ErrRedemptionExists.
func (r *PostgresRepository) CreateProvisionedRedemption(ctx context.Context, redemption *domain.GiftCardRedemption) error {
	query := `
		INSERT INTO gift_card_redemptions (
			campaign_id, recipient_id, condition_number, redemption_code, gift_card_id,
			amount_charged, account_charged_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'provisioned')
		RETURNING ` + redemptionColumns
	created, err := scanRedemption(r.db.QueryRow(ctx, query,
		redemption.CampaignID, redemption.RecipientID, redemption.ConditionNumber, redemption.RedemptionCode,
		redemption.GiftCardID, redemption.AmountCharged, redemption.AccountChargedID,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRedemptionExists
		}
		return fmt.Errorf("create provisioned redemption: %w", err)
	}
	*redemption = *created
	return nil
}

// AttachCardToRedemption moves an approved pending redemption to provisioned.
func (r *PostgresRepository) AttachCardToRedemption(ctx context.Context, redemptionID, cardID, accountID uuid.UUID, amount int64, reviewer string) (*domain.GiftCardRedemption, error) {
	query := `
		UPDATE gift_card_redemptions
		SET status = 'provisioned', gift_card_id = $2, account_charged_id = $3, amount_charged = $4,
		    reviewed_by = NULLIF($5, ''), review_started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + redemptionColumns
	red, err := scanRedemption(r.db.QueryRow(ctx, query, redemptionID, cardID, accountID, amount, reviewer))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionStateChanged
		}
		return nil, err
	}
	return red, nil
}

// CreatePendingRedemption inserts the manual-approval row for a recipient, or returns the
// existing one when a concurrent request already created it.
func (r *PostgresRepository) CreatePendingRedemption(ctx context.Context, redemption *domain.GiftCardRedemption) (*domain.GiftCardRedemption, error) {
	insertQuery := `
		INSERT INTO gift_card_redemptions (campaign_id, recipient_id, redemption_code, status, requester_ip, user_agent)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		ON CONFLICT (campaign_id, recipient_id) WHERE condition_number IS NULL DO NOTHING
		RETURNING ` + redemptionColumns
	created, err := scanRedemption(r.db.QueryRow(ctx, insertQuery,
		redemption.CampaignID, redemption.RecipientID, redemption.RedemptionCode, redemption.RequesterIP, redemption.UserAgent,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("create pending redemption: %w", err)
	}

	selectQuery := `SELECT ` + redemptionColumns + `
		FROM gift_card_redemptions
		WHERE campaign_id = $1 AND recipient_id = $2 AND condition_number IS NULL`
	existing, err := scanRedemption(r.db.QueryRow(ctx, selectQuery, redemption.CampaignID, redemption.RecipientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return existing, nil
}

// ListRedemptionsForRecipient returns the recipient's redemptions oldest first.
func (r *PostgresRepository) ListRedemptionsForRecipient(ctx context.Context, campaignID, recipientID uuid.UUID) ([]domain.GiftCardRedemption, error) {
	query := `SELECT ` + redemptionColumns + `
		FROM gift_card_redemptions
		WHERE campaign_id = $1 AND recipient_id = $2
		ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Query(ctx, query, campaignID, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GiftCardRedemption
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *red)
	}
	return out, rows.Err()
}

// GetRedemption loads a redemption by id.
func (r *PostgresRepository) GetRedemption(ctx context.Context, redemptionID uuid.UUID) (*domain.GiftCardRedemption, error) {
	red, err := scanRedemption(r.db.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM gift_card_redemptions WHERE id = $1`, redemptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return red, nil
}

// GetRedemptionByToken loads a redemption by its public token.
func (r *PostgresRepository) GetRedemptionByToken(ctx context.Context, token uuid.UUID) (*domain.GiftCardRedemption, error) {
	red, err := scanRedemption(r.db.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM gift_card_redemptions WHERE redemption_token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	return red, nil
}

// TransitionRedemption performs a compare-and-swap status change. Redeemed rows are never
// listed as a valid source state, so they cannot be changed through here.
func (r *PostgresRepository) TransitionRedemption(ctx context.Context, params TransitionRedemptionParams) (*domain.GiftCardRedemption, error) {
	query := `
		UPDATE gift_card_redemptions
		SET status = $2,
		    reviewed_by = COALESCE($4, reviewed_by),
		    rejection_reason = COALESCE($5, rejection_reason),
		    viewed_at = CASE WHEN $2 = 'viewed' THEN NOW() ELSE viewed_at END,
		    redeemed_at = CASE WHEN $2 = 'redeemed' THEN NOW() ELSE redeemed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($3) AND status <> 'redeemed'
		  AND ($6 = 0 OR status <> 'pending' OR review_started_at IS NULL
		       OR review_started_at < NOW() - make_interval(secs => $6))
		RETURNING ` + redemptionColumns
	red, err := scanRedemption(r.db.QueryRow(ctx, query,
		params.RedemptionID, params.To, params.From, params.ReviewedBy, params.RejectionReason,
		params.ReviewLease.Seconds(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionStateChanged
		}
		return nil, fmt.Errorf("transition redemption: %w", err)
	}
	return red, nil
}

// ClaimPendingRedemption marks a pending redemption as under review so approval can debit
// credit without a concurrent reject landing in between.
func (r *PostgresRepository) ClaimPendingRedemption(ctx context.Context, redemptionID uuid.UUID, lease time.Duration) (*domain.GiftCardRedemption, error) {
	query := `
		UPDATE gift_card_redemptions
		SET review_started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (review_started_at IS NULL OR review_started_at < NOW() - make_interval(secs => $2))
		RETURNING ` + redemptionColumns
	red, err := scanRedemption(r.db.QueryRow(ctx, query, redemptionID, lease.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRedemptionStateChanged
		}
		return nil, fmt.Errorf("claim pending redemption: %w", err)
	}
	return red, nil
}

// ReleasePendingRedemption clears the review claim after a failed approval.
func (r *PostgresRepository) ReleasePendingRedemption(ctx context.Context, redemptionID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE gift_card_redemptions
		SET review_started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, redemptionID)
	return err
}
