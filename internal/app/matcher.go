package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/google/uuid"
)

// Matcher resolves identity hints to recipients within a campaign's audience.
type Matcher struct {
	repo store.Repository
}

func NewMatcher(repo store.Repository) *Matcher {
	return &Matcher{repo: repo}
}

// Match tries the phone suffix first, then the email. When several recipients share
// a phone suffix the oldest row wins.
func (m *Matcher) Match(ctx context.Context, hint domain.IdentityHint, campaignID uuid.UUID) (*domain.Recipient, error) {
	if hint.Empty() {
		return nil, store.ErrRecipientNotFound
	}

	campaign, err := m.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	if phone := domain.NormalizePhone(hint.Phone); phone != "" {
		recipient, err := m.repo.FindRecipientByPhoneSuffix(ctx, campaign.AudienceID, phone)
		if err == nil {
			return recipient, nil
		}
		if !errors.Is(err, store.ErrRecipientNotFound) {
			return nil, fmt.Errorf("match by phone: %w", err)
		}
	}

	if email := domain.NormalizeEmail(hint.Email); email != "" {
		recipient, err := m.repo.FindRecipientByEmail(ctx, campaign.AudienceID, email)
		if err == nil {
			return recipient, nil
		}
		if !errors.Is(err, store.ErrRecipientNotFound) {
			return nil, fmt.Errorf("match by email: %w", err)
		}
	}

	return nil, store.ErrRecipientNotFound
}
