/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * campaigns, conditions, condition statuses and recipients. Credit, gift card,
 * redemption and delivery queries live in sibling files.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetCampaign loads a campaign by id.
func (r *PostgresRepository) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	query := `
		SELECT id, client_id, audience_id, name, budget_mode, credit_account_id, status, created_at
		FROM campaigns
		WHERE id = $1
	`
	var c domain.Campaign
	err := r.db.QueryRow(ctx, query, campaignID).Scan(
		&c.ID, &c.ClientID, &c.AudienceID, &c.Name, &c.BudgetMode, &c.CreditAccountID, &c.Status, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListActiveConditions returns the campaign's active conditions ordered by condition number.
func (r *PostgresRepository) ListActiveConditions(ctx context.Context, campaignID uuid.UUID) ([]domain.Condition, error) {
	query := `
		SELECT id, campaign_id, condition_number, trigger_type, trigger_value, time_delay_hours,
		       brand_id, card_value, is_active, created_at
		FROM campaign_conditions
		WHERE campaign_id = $1 AND is_active
		ORDER BY condition_number ASC
	`
	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conditions []domain.Condition
	for rows.Next() {
		var c domain.Condition
		if err := rows.Scan(
			&c.ID, &c.CampaignID, &c.ConditionNumber, &c.TriggerType, &c.TriggerValue, &c.TimeDelayHours,
			&c.BrandID, &c.CardValue, &c.IsActive, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		conditions = append(conditions, c)
	}
	return conditions, rows.Err()
}

// GetConditionStatuses returns every status row the recipient has for the campaign.
func (r *PostgresRepository) GetConditionStatuses(ctx context.Context, recipientID, campaignID uuid.UUID) ([]domain.RecipientConditionStatus, error) {
	query := `
		SELECT recipient_id, campaign_id, condition_number, is_met, met_at, triggered_at,
		       provisioning_started_at, last_error, attempts
		FROM recipient_condition_status
		WHERE recipient_id = $1 AND campaign_id = $2
		ORDER BY condition_number ASC
	`
	rows, err := r.db.Query(ctx, query, recipientID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []domain.RecipientConditionStatus
	for rows.Next() {
		var s domain.RecipientConditionStatus
		if err := rows.Scan(
			&s.RecipientID, &s.CampaignID, &s.ConditionNumber, &s.IsMet, &s.MetAt, &s.TriggeredAt,
			&s.ProvisioningStartedAt, &s.LastError, &s.Attempts,
		); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// MarkConditionMet unlocks a condition. The insert only proceeds when the previous
// condition is already met, so condition N can never be met ahead of N-1.
func (r *PostgresRepository) MarkConditionMet(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (bool, error) {
	query := `
		INSERT INTO recipient_condition_status (recipient_id, campaign_id, condition_number, is_met, met_at)
		SELECT $1, $2, $3, TRUE, NOW()
		WHERE $3 = 1 OR EXISTS (
			SELECT 1 FROM recipient_condition_status p
			WHERE p.recipient_id = $1 AND p.campaign_id = $2 AND p.condition_number = $3 - 1 AND p.is_met
		)
		ON CONFLICT (recipient_id, campaign_id, condition_number) DO UPDATE
		SET is_met = TRUE, met_at = NOW(), updated_at = NOW()
		WHERE recipient_condition_status.is_met = FALSE
	`
	result, err := r.db.Exec(ctx, query, recipientID, campaignID, conditionNumber)
	if err != nil {
		return false, fmt.Errorf("mark condition met: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	// Nothing changed: either it was already met, or the prerequisite blocked the insert.
	var isMet bool
	err = r.db.QueryRow(ctx,
		`SELECT is_met FROM recipient_condition_status WHERE recipient_id = $1 AND campaign_id = $2 AND condition_number = $3`,
		recipientID, campaignID, conditionNumber,
	).Scan(&isMet)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrPrerequisiteNotMet
		}
		return false, err
	}
	if !isMet {
		return false, ErrPrerequisiteNotMet
	}
	return false, nil
}

// AcquireProvisioningLease claims the right to provision a met, untriggered condition.
// A stale lease older than the lease window can be taken over.
func (r *PostgresRepository) AcquireProvisioningLease(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int, lease time.Duration) (bool, error) {
	query := `
		UPDATE recipient_condition_status
		SET provisioning_started_at = NOW(), attempts = attempts + 1, updated_at = NOW()
		WHERE recipient_id = $1 AND campaign_id = $2 AND condition_number = $3
		  AND is_met AND triggered_at IS NULL
		  AND (provisioning_started_at IS NULL OR provisioning_started_at < NOW() - make_interval(secs => $4))
	`
	result, err := r.db.Exec(ctx, query, recipientID, campaignID, conditionNumber, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire provisioning lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseProvisioningLease clears the lease after a failed attempt and records the failure.
func (r *PostgresRepository) ReleaseProvisioningLease(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int, lastError string) error {
	query := `
		UPDATE recipient_condition_status
		SET provisioning_started_at = NULL, last_error = NULLIF($4, ''), updated_at = NOW()
		WHERE recipient_id = $1 AND campaign_id = $2 AND condition_number = $3 AND triggered_at IS NULL
	`
	_, err := r.db.Exec(ctx, query, recipientID, campaignID, conditionNumber, lastError)
	return err
}

// MarkConditionTriggered stamps triggered_at exactly once.
func (r *PostgresRepository) MarkConditionTriggered(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (bool, error) {
	query := `
		UPDATE recipient_condition_status
		SET triggered_at = NOW(), provisioning_started_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE recipient_id = $1 AND campaign_id = $2 AND condition_number = $3
		  AND is_met AND triggered_at IS NULL
	`
	result, err := r.db.Exec(ctx, query, recipientID, campaignID, conditionNumber)
	if err != nil {
		return false, fmt.Errorf("mark condition triggered: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// FindDueTimeDelayedConditions finds time-delayed conditions whose prerequisite was met
// at least time_delay_hours ago and which have not been met yet. Rows that were met but
// failed to provision belong to FindStalledConditions.
func (r *PostgresRepository) FindDueTimeDelayedConditions(ctx context.Context, now time.Time, limit int) ([]domain.DueCondition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT prev.recipient_id, prev.campaign_id, cc.condition_number, prev.met_at
		FROM campaign_conditions cc
		JOIN recipient_condition_status prev
		  ON prev.campaign_id = cc.campaign_id
		 AND prev.condition_number = cc.condition_number - 1
		 AND prev.is_met
		LEFT JOIN recipient_condition_status cur
		  ON cur.recipient_id = prev.recipient_id
		 AND cur.campaign_id = prev.campaign_id
		 AND cur.condition_number = cc.condition_number
		WHERE cc.trigger_type = 'time_delayed'
		  AND cc.is_active
		  AND prev.met_at + make_interval(hours => cc.time_delay_hours) <= $1
		  AND (cur.recipient_id IS NULL OR NOT cur.is_met)
		ORDER BY prev.met_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.DueCondition
	for rows.Next() {
		var d domain.DueCondition
		if err := rows.Scan(&d.RecipientID, &d.CampaignID, &d.ConditionNumber, &d.PrerequisiteMet); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// FindStalledConditions finds met conditions with no triggered_at whose lease is free.
// Rows with fewer attempts come first so a handful of permanently failing rows cannot
// fill every batch.
func (r *PostgresRepository) FindStalledConditions(ctx context.Context, now time.Time, staleAfter time.Duration, maxAttempts, limit int) ([]domain.StalledCondition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT rcs.recipient_id, rcs.campaign_id, rcs.condition_number, rcs.attempts, rcs.last_error
		FROM recipient_condition_status rcs
		JOIN campaign_conditions cc
		  ON cc.campaign_id = rcs.campaign_id
		 AND cc.condition_number = rcs.condition_number
		 AND cc.is_active
		WHERE rcs.is_met
		  AND rcs.triggered_at IS NULL
		  AND (rcs.provisioning_started_at IS NULL OR rcs.provisioning_started_at < $1::timestamptz - make_interval(secs => $2))
		  AND ($3 <= 0 OR rcs.attempts < $3)
		ORDER BY rcs.attempts ASC, rcs.met_at ASC
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, now, staleAfter.Seconds(), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stalled []domain.StalledCondition
	for rows.Next() {
		var s domain.StalledCondition
		if err := rows.Scan(&s.RecipientID, &s.CampaignID, &s.ConditionNumber, &s.Attempts, &s.LastError); err != nil {
			return nil, err
		}
		stalled = append(stalled, s)
	}
	return stalled, rows.Err()
}

const recipientColumns = `
	r.id, r.audience_id, a.client_id, r.first_name, r.phone, r.email,
	r.redemption_token, r.sms_opt_in_status, r.created_at
`

func scanRecipient(row pgx.Row) (*domain.Recipient, error) {
	var rec domain.Recipient
	err := row.Scan(
		&rec.ID, &rec.AudienceID, &rec.ClientID, &rec.FirstName, &rec.Phone, &rec.Email,
		&rec.RedemptionToken, &rec.SMSOptInStatus, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetRecipient loads a recipient by id.
func (r *PostgresRepository) GetRecipient(ctx context.Context, recipientID uuid.UUID) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM recipients r JOIN audiences a ON a.id = r.audience_id
		WHERE r.id = $1`
	return scanRecipient(r.db.QueryRow(ctx, query, recipientID))
}

// FindRecipientByPhoneSuffix matches the trailing 10 digits of the stored phone.
// When several recipients share the suffix the oldest one wins.
func (r *PostgresRepository) FindRecipientByPhoneSuffix(ctx context.Context, audienceID uuid.UUID, phoneSuffix string) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM recipients r JOIN audiences a ON a.id = r.audience_id
		WHERE r.audience_id = $1
		  AND r.phone IS NOT NULL
		  AND right(regexp_replace(r.phone, '\D', '', 'g'), 10) = $2
		ORDER BY r.created_at ASC
		LIMIT 1`
	return scanRecipient(r.db.QueryRow(ctx, query, audienceID, phoneSuffix))
}

// FindRecipientByEmail matches email case-insensitively within the audience.
func (r *PostgresRepository) FindRecipientByEmail(ctx context.Context, audienceID uuid.UUID, email string) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM recipients r JOIN audiences a ON a.id = r.audience_id
		WHERE r.audience_id = $1 AND lower(r.email) = lower($2)
		ORDER BY r.created_at ASC
		LIMIT 1`
	return scanRecipient(r.db.QueryRow(ctx, query, audienceID, email))
}

// FindRecipientByRedemptionToken resolves the code printed on a mail piece.
func (r *PostgresRepository) FindRecipientByRedemptionToken(ctx context.Context, token string) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM recipients r JOIN audiences a ON a.id = r.audience_id
		WHERE upper(r.redemption_token) = upper($1)`
	return scanRecipient(r.db.QueryRow(ctx, query, token))
}
