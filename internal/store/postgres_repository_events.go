package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
)

// HasSettledDelivery reports whether a redemption code was sent to the recipient.
func (r *PostgresRepository) HasSettledDelivery(ctx context.Context, recipientID, campaignID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reward_deliveries
			WHERE recipient_id = $1 AND campaign_id = $2 AND status IN ('sent', 'delivered')
		)
	`, recipientID, campaignID).Scan(&exists)
	return exists, err
}

// HasSettledDeliveryForRedemption reports whether this redemption's code reached the recipient.
func (r *PostgresRepository) HasSettledDeliveryForRedemption(ctx context.Context, redemptionID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reward_deliveries
			WHERE redemption_id = $1 AND status IN ('sent', 'delivered')
		)
	`, redemptionID).Scan(&exists)
	return exists, err
}

// CreateDelivery inserts a delivery row.
func (r *PostgresRepository) CreateDelivery(ctx context.Context, delivery *domain.Delivery) error {
	query := `
		INSERT INTO reward_deliveries (campaign_id, recipient_id, redemption_id, channel, destination, provider_message_id, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		delivery.CampaignID, delivery.RecipientID, delivery.RedemptionID, delivery.Channel, delivery.Destination,
		delivery.ProviderMessageID, delivery.Status, delivery.Error,
	).Scan(&delivery.ID, &delivery.CreatedAt, &delivery.UpdatedAt)
}

// UpdateDeliveryStatus records the provider outcome of a send.
func (r *PostgresRepository) UpdateDeliveryStatus(ctx context.Context, deliveryID uuid.UUID, status string, providerMessageID, errMsg *string) error {
	query := `
		UPDATE reward_deliveries
		SET status = $2,
		    provider_message_id = COALESCE($3, provider_message_id),
		    error = $4,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, deliveryID, status, providerMessageID, errMsg)
	return err
}

// ListSentDeliveriesBefore returns sent deliveries awaiting a final provider status.
func (r *PostgresRepository) ListSentDeliveriesBefore(ctx context.Context, before time.Time, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, campaign_id, recipient_id, redemption_id, channel, destination, provider_message_id, status, error, created_at, updated_at
		FROM reward_deliveries
		WHERE status = 'sent' AND provider_message_id IS NOT NULL AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(
			&d.ID, &d.CampaignID, &d.RecipientID, &d.RedemptionID, &d.Channel, &d.Destination,
			&d.ProviderMessageID, &d.Status, &d.Error, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateRewardEvent writes the audit row for an inbound event.
func (r *PostgresRepository) CreateRewardEvent(ctx context.Context, event *domain.RewardEvent) error {
	payload := event.RawPayload
	if !json.Valid(payload) {
		// Form-encoded bodies are kept as a JSON string.
		encoded, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		payload = encoded
	}
	query := `
		INSERT INTO reward_events (campaign_id, provider, event_type, event_name, raw_payload, recipient_id, matched, signature_valid, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query,
		event.CampaignID, event.Provider, event.EventType, event.EventName, string(payload),
		event.RecipientID, event.Matched, event.SignatureValid, event.Processed,
	).Scan(&event.ID, &event.CreatedAt)
}

// MarkRewardEventProcessed stamps the outcome once; later calls are no-ops.
func (r *PostgresRepository) MarkRewardEventProcessed(ctx context.Context, eventID uuid.UUID, conditionTriggered bool) error {
	_, err := r.db.Exec(ctx, `
		UPDATE reward_events SET processed = TRUE, condition_triggered = $2
		WHERE id = $1 AND processed = FALSE
	`, eventID, conditionTriggered)
	return err
}

// InsertOperationalAlert persists an alert for operators.
func (r *PostgresRepository) InsertOperationalAlert(ctx context.Context, alert *domain.OperationalAlert) error {
	alertContext := alert.Context
	if len(alertContext) == 0 {
		alertContext = json.RawMessage(`{}`)
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO operational_alerts (severity, category, message, context)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, alert.Severity, alert.Category, alert.Message, string(alertContext)).Scan(&alert.ID, &alert.CreatedAt)
	if err != nil && isUndefinedTableError(err) {
		log.Printf("level=warn component=store msg=\"operational_alerts table missing; alert dropped\" category=%s", alert.Category)
		return nil
	}
	return err
}
