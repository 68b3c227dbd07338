package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetGiftCardBrand loads a brand by id.
func (r *PostgresRepository) GetGiftCardBrand(ctx context.Context, brandID uuid.UUID) (*domain.GiftCardBrand, error) {
	var b domain.GiftCardBrand
	err := r.db.QueryRow(ctx,
		`SELECT id, name, provider_brand_code FROM gift_card_brands WHERE id = $1`, brandID,
	).Scan(&b.ID, &b.Name, &b.ProviderBrandCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBrandNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ListInventoryPools returns inventory pools with stock, cheapest first, ties broken by age.
func (r *PostgresRepository) ListInventoryPools(ctx context.Context, brandID uuid.UUID, cardValue int64) ([]domain.GiftCardPool, error) {
	query := `
		SELECT id, brand_id, card_value, pool_type, cost_per_card, available_cards, api_provider, created_at
		FROM gift_card_pools
		WHERE brand_id = $1 AND card_value = $2 AND pool_type = 'inventory' AND available_cards > 0
		ORDER BY cost_per_card ASC, created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, brandID, cardValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []domain.GiftCardPool
	for rows.Next() {
		var p domain.GiftCardPool
		if err := rows.Scan(&p.ID, &p.BrandID, &p.CardValue, &p.PoolType, &p.CostPerCard, &p.AvailableCards, &p.APIProvider, &p.CreatedAt); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// ClaimCardFromPool flips one available card to claimed and decrements the pool counter
// in a single transaction. Concurrent claimers skip locked rows, so no card is assigned twice.
func (r *PostgresRepository) ClaimCardFromPool(ctx context.Context, poolID, recipientID uuid.UUID) (*domain.GiftCard, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claimQuery := `
		UPDATE gift_cards
		SET status = 'claimed', claimed_by_recipient = $2, claimed_at = NOW()
		WHERE id = (
			SELECT id FROM gift_cards
			WHERE pool_id = $1 AND status = 'available'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, pool_id, card_code, card_number, card_value, status, claimed_by_recipient, claimed_at, delivered_at, created_at
	`
	var card domain.GiftCard
	err = tx.QueryRow(ctx, claimQuery, poolID, recipientID).Scan(
		&card.ID, &card.PoolID, &card.CardCode, &card.CardNumber, &card.CardValue, &card.Status,
		&card.ClaimedByRecipient, &card.ClaimedAt, &card.DeliveredAt, &card.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("failed to claim gift card: %w", err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE gift_card_pools
		SET available_cards = available_cards - 1, updated_at = NOW()
		WHERE id = $1 AND available_cards > 0
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement pool counter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrPoolExhausted
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit card claim: %w", err)
	}
	return &card, nil
}

// FindAPIConfigPool finds the on-demand issuing configuration for a brand. A card_value
// of zero means the configuration serves any denomination; exact matches win.
func (r *PostgresRepository) FindAPIConfigPool(ctx context.Context, brandID uuid.UUID, cardValue int64) (*domain.GiftCardPool, error) {
	query := `
		SELECT id, brand_id, card_value, pool_type, cost_per_card, available_cards, api_provider, created_at
		FROM gift_card_pools
		WHERE brand_id = $1 AND pool_type = 'api_config' AND (card_value = $2 OR card_value = 0)
		ORDER BY (card_value = $2) DESC, cost_per_card ASC, created_at ASC
		LIMIT 1
	`
	var p domain.GiftCardPool
	err := r.db.QueryRow(ctx, query, brandID, cardValue).Scan(
		&p.ID, &p.BrandID, &p.CardValue, &p.PoolType, &p.CostPerCard, &p.AvailableCards, &p.APIProvider, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &p, nil
}

// InsertIssuedCard persists a card returned by the issuing API, already marked delivered.
func (r *PostgresRepository) InsertIssuedCard(ctx context.Context, card *domain.GiftCard) error {
	query := `
		INSERT INTO gift_cards (pool_id, card_code, card_number, card_value, status, claimed_by_recipient, claimed_at, delivered_at)
		VALUES ($1, $2, $3, $4, 'delivered', $5, NOW(), NOW())
		RETURNING id, status, claimed_at, delivered_at, created_at
	`
	return r.db.QueryRow(ctx, query,
		card.PoolID, card.CardCode, card.CardNumber, card.CardValue, card.ClaimedByRecipient,
	).Scan(&card.ID, &card.Status, &card.ClaimedAt, &card.DeliveredAt, &card.CreatedAt)
}

// GetGiftCard loads a card by id.
func (r *PostgresRepository) GetGiftCard(ctx context.Context, cardID uuid.UUID) (*domain.GiftCard, error) {
	query := `
		SELECT id, pool_id, card_code, card_number, card_value, status, claimed_by_recipient, claimed_at, delivered_at, created_at
		FROM gift_cards WHERE id = $1
	`
	var card domain.GiftCard
	err := r.db.QueryRow(ctx, query, cardID).Scan(
		&card.ID, &card.PoolID, &card.CardCode, &card.CardNumber, &card.CardValue, &card.Status,
		&card.ClaimedByRecipient, &card.ClaimedAt, &card.DeliveredAt, &card.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGiftCardNotFound
		}
		return nil, err
	}
	return &card, nil
}
