package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/Phillboard/mobul-sub001/pkg/giftcardclient"
	"github.com/google/uuid"
)

// CardIssuer issues gift cards on demand. *giftcardclient.Client satisfies it.
type CardIssuer interface {
	IssueCard(ctx context.Context, in giftcardclient.IssueCardRequest) (*giftcardclient.IssuedCard, error)
}

// ProvisionCardRequest asks for one card of a brand and denomination (cents).
type ProvisionCardRequest struct {
	BrandID      uuid.UUID
	Denomination int64
	RecipientID  uuid.UUID
	CampaignID   uuid.UUID
	// Reference is forwarded to the issuing API as its idempotency key.
	Reference string
}

// ProvisionedCard is a card claimed from inventory or issued by the API.
type ProvisionedCard struct {
	Card   *domain.GiftCard
	Source string
	PoolID uuid.UUID
	Cost   int64
}

// Provisioner claims cards through the inventory-then-API waterfall.
type Provisioner struct {
	repo   store.Repository
	issuer CardIssuer
}

func NewProvisioner(repo store.Repository, issuer CardIssuer) *Provisioner {
	return &Provisioner{repo: repo, issuer: issuer}
}

// Provision returns a card or ErrProvisioningExhausted after raising a critical alert.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionCardRequest) (*ProvisionedCard, error) {
	if req.BrandID == uuid.Nil || req.RecipientID == uuid.Nil {
		return nil, domain.NewValidationError("brand and recipient are required")
	}
	if req.Denomination <= 0 {
		return nil, domain.NewValidationError("denomination must be positive")
	}

	card, inventoryErr := p.claimFromInventory(ctx, req)
	if card != nil {
		return card, nil
	}

	card, apiErr := p.issueFromAPI(ctx, req)
	if card != nil {
		return card, nil
	}

	var reasons []string
	if inventoryErr != nil {
		reasons = append(reasons, "inventory: "+inventoryErr.Error())
	}
	if apiErr != nil {
		reasons = append(reasons, "api: "+apiErr.Error())
	}
	cause := errors.New(strings.Join(reasons, "; "))

	raiseAlert(ctx, p.repo, domain.AlertSeverityCritical, domain.AlertCategoryProvisioning,
		"no gift card source available",
		map[string]interface{}{
			"brand_id":     req.BrandID,
			"denomination": req.Denomination,
			"recipient_id": req.RecipientID,
			"campaign_id":  req.CampaignID,
			"reasons":      reasons,
		})
	return nil, domain.NewProvisioningExhaustedError(cause)
}

func (p *Provisioner) claimFromInventory(ctx context.Context, req ProvisionCardRequest) (*ProvisionedCard, error) {
	pools, err := p.repo.ListInventoryPools(ctx, req.BrandID, req.Denomination)
	if err != nil {
		log.Printf("level=error component=provisioner msg=\"failed to list inventory pools\" brand_id=%s err=%v", req.BrandID, err)
		return nil, fmt.Errorf("list inventory pools: %w", err)
	}
	if len(pools) == 0 {
		return nil, errors.New("no inventory pool with available cards")
	}

	var lastErr error
	for _, pool := range pools {
		card, err := p.repo.ClaimCardFromPool(ctx, pool.ID, req.RecipientID)
		if err == nil {
			log.Printf("level=info component=provisioner msg=\"card claimed from inventory\" pool_id=%s card_id=%s recipient_id=%s", pool.ID, card.ID, req.RecipientID)
			return &ProvisionedCard{Card: card, Source: domain.SourceInventory, PoolID: pool.ID, Cost: pool.CostPerCard}, nil
		}
		if !errors.Is(err, store.ErrPoolExhausted) {
			log.Printf("level=warn component=provisioner msg=\"inventory claim failed; trying next pool\" pool_id=%s err=%v", pool.ID, err)
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Provisioner) issueFromAPI(ctx context.Context, req ProvisionCardRequest) (*ProvisionedCard, error) {
	if p.issuer == nil {
		return nil, errors.New("issuing API not configured")
	}
	pool, err := p.repo.FindAPIConfigPool(ctx, req.BrandID, req.Denomination)
	if err != nil {
		if errors.Is(err, store.ErrPoolNotFound) {
			return nil, errors.New("no api_config pool for brand")
		}
		return nil, fmt.Errorf("find api pool: %w", err)
	}
	brand, err := p.repo.GetGiftCardBrand(ctx, req.BrandID)
	if err != nil {
		return nil, fmt.Errorf("load brand: %w", err)
	}

	provider := ""
	if pool.APIProvider != nil {
		provider = *pool.APIProvider
	}
	issued, err := p.issuer.IssueCard(ctx, giftcardclient.IssueCardRequest{
		BrandCode: brand.ProviderBrandCode,
		Amount:    req.Denomination,
		Currency:  "USD",
		Reference: req.Reference,
		Provider:  provider,
	})
	if err != nil {
		log.Printf("level=warn component=provisioner msg=\"issuing API call failed\" brand_id=%s provider=%s err=%v", req.BrandID, provider, err)
		return nil, fmt.Errorf("issue card: %w", err)
	}

	recipientID := req.RecipientID
	card := &domain.GiftCard{
		PoolID:             pool.ID,
		CardCode:           issued.CardCode,
		CardValue:          req.Denomination,
		ClaimedByRecipient: &recipientID,
	}
	if issued.CardNumber != "" {
		number := issued.CardNumber
		card.CardNumber = &number
	}
	if err := p.repo.InsertIssuedCard(ctx, card); err != nil {
		// The card exists at the provider but not locally; operators need to reconcile it.
		raiseAlert(ctx, p.repo, domain.AlertSeverityCritical, domain.AlertCategoryProvisioning,
			"issued card could not be persisted",
			map[string]interface{}{"provider_card_id": issued.ID, "pool_id": pool.ID, "recipient_id": req.RecipientID, "error": err.Error()})
		return nil, fmt.Errorf("persist issued card: %w", err)
	}
	log.Printf("level=info component=provisioner msg=\"card issued via API\" pool_id=%s card_id=%s recipient_id=%s", pool.ID, card.ID, req.RecipientID)
	return &ProvisionedCard{Card: card, Source: domain.SourceAPI, PoolID: pool.ID, Cost: pool.CostPerCard}, nil
}
