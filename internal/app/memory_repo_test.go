package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/Phillboard/mobul-sub001/pkg/giftcardclient"
	"github.com/Phillboard/mobul-sub001/pkg/rabbitmq"
	"github.com/Phillboard/mobul-sub001/pkg/smsclient"
	"github.com/google/uuid"
)

type statusKey struct {
	recipient uuid.UUID
	campaign  uuid.UUID
	number    int
}

// memoryRepo mirrors the conditional updates of the Postgres repository under one mutex.
type memoryRepo struct {
	store.Repository

	mu           sync.Mutex
	now          func() time.Time
	campaigns    map[uuid.UUID]*domain.Campaign
	conditions   map[uuid.UUID][]domain.Condition
	statuses     map[statusKey]*domain.RecipientConditionStatus
	recipients   map[uuid.UUID]*domain.Recipient
	accounts     map[uuid.UUID]*domain.CreditAccount
	transactions []domain.CreditTransaction
	brands       map[uuid.UUID]*domain.GiftCardBrand
	pools        []*domain.GiftCardPool
	cards        []*domain.GiftCard
	redemptions  []*domain.GiftCardRedemption
	deliveries   []*domain.Delivery
	events       []*domain.RewardEvent
	alerts       []domain.OperationalAlert
	debitCalls   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		now:        time.Now,
		campaigns:  map[uuid.UUID]*domain.Campaign{},
		conditions: map[uuid.UUID][]domain.Condition{},
		statuses:   map[statusKey]*domain.RecipientConditionStatus{},
		recipients: map[uuid.UUID]*domain.Recipient{},
		accounts:   map[uuid.UUID]*domain.CreditAccount{},
		brands:     map[uuid.UUID]*domain.GiftCardBrand{},
	}
}

func (m *memoryRepo) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *memoryRepo) ListActiveConditions(ctx context.Context, campaignID uuid.UUID) ([]domain.Condition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Condition
	for _, c := range m.conditions[campaignID] {
		if c.IsActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionNumber < out[j].ConditionNumber })
	return out, nil
}

func (m *memoryRepo) GetConditionStatuses(ctx context.Context, recipientID, campaignID uuid.UUID) ([]domain.RecipientConditionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RecipientConditionStatus
	for k, s := range m.statuses {
		if k.recipient == recipientID && k.campaign == campaignID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionNumber < out[j].ConditionNumber })
	return out, nil
}

func (m *memoryRepo) MarkConditionMet(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := statusKey{recipientID, campaignID, conditionNumber}
	if s, ok := m.statuses[key]; ok && s.IsMet {
		return false, nil
	}
	if conditionNumber > 1 {
		prev, ok := m.statuses[statusKey{recipientID, campaignID, conditionNumber - 1}]
		if !ok || !prev.IsMet {
			return false, store.ErrPrerequisiteNotMet
		}
	}
	now := m.now()
	s, ok := m.statuses[key]
	if !ok {
		s = &domain.RecipientConditionStatus{RecipientID: recipientID, CampaignID: campaignID, ConditionNumber: conditionNumber}
		m.statuses[key] = s
	}
	s.IsMet = true
	s.MetAt = &now
	return true, nil
}

func (m *memoryRepo) AcquireProvisioningLease(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[statusKey{recipientID, campaignID, conditionNumber}]
	if !ok || !s.IsMet || s.TriggeredAt != nil {
		return false, nil
	}
	now := m.now()
	if s.ProvisioningStartedAt != nil && !s.ProvisioningStartedAt.Before(now.Add(-lease)) {
		return false, nil
	}
	s.ProvisioningStartedAt = &now
	s.Attempts++
	return true, nil
}

func (m *memoryRepo) ReleaseProvisioningLease(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[statusKey{recipientID, campaignID, conditionNumber}]
	if !ok || s.TriggeredAt != nil {
		return nil
	}
	s.ProvisioningStartedAt = nil
	if lastError != "" {
		s.LastError = &lastError
	}
	return nil
}

func (m *memoryRepo) MarkConditionTriggered(ctx context.Context, recipientID, campaignID uuid.UUID, conditionNumber int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[statusKey{recipientID, campaignID, conditionNumber}]
	if !ok || !s.IsMet || s.TriggeredAt != nil {
		return false, nil
	}
	now := m.now()
	s.TriggeredAt = &now
	s.ProvisioningStartedAt = nil
	s.LastError = nil
	return true, nil
}

func (m *memoryRepo) FindDueTimeDelayedConditions(ctx context.Context, now time.Time, limit int) ([]domain.DueCondition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.DueCondition
	for campaignID, conditions := range m.conditions {
		for _, c := range conditions {
			if c.TriggerType != domain.TriggerTimeDelayed || !c.IsActive {
				continue
			}
			for k, prev := range m.statuses {
				if k.campaign != campaignID || k.number != c.ConditionNumber-1 || !prev.IsMet || prev.MetAt == nil {
					continue
				}
				if prev.MetAt.Add(time.Duration(c.TimeDelayHours) * time.Hour).After(now) {
					continue
				}
				if cur, ok := m.statuses[statusKey{k.recipient, campaignID, c.ConditionNumber}]; ok && cur.IsMet {
					continue
				}
				due = append(due, domain.DueCondition{RecipientID: k.recipient, CampaignID: campaignID, ConditionNumber: c.ConditionNumber, PrerequisiteMet: *prev.MetAt})
			}
		}
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memoryRepo) FindStalledConditions(ctx context.Context, now time.Time, staleAfter time.Duration, maxAttempts, limit int) ([]domain.StalledCondition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*domain.RecipientConditionStatus
	for _, s := range m.statuses {
		if !s.IsMet || s.TriggeredAt != nil {
			continue
		}
		if s.ProvisioningStartedAt != nil && !s.ProvisioningStartedAt.Before(now.Add(-staleAfter)) {
			continue
		}
		if maxAttempts > 0 && s.Attempts >= maxAttempts {
			continue
		}
		rows = append(rows, s)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Attempts != rows[j].Attempts {
			return rows[i].Attempts < rows[j].Attempts
		}
		return rows[i].MetAt.Before(*rows[j].MetAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]domain.StalledCondition, 0, len(rows))
	for _, s := range rows {
		out = append(out, domain.StalledCondition{
			RecipientID: s.RecipientID, CampaignID: s.CampaignID, ConditionNumber: s.ConditionNumber,
			Attempts: s.Attempts, LastError: s.LastError,
		})
	}
	return out, nil
}

func (m *memoryRepo) GetRecipient(ctx context.Context, recipientID uuid.UUID) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[recipientID]
	if !ok {
		return nil, store.ErrRecipientNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *memoryRepo) oldestRecipient(match func(*domain.Recipient) bool) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *domain.Recipient
	for _, r := range m.recipients {
		if !match(r) {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, store.ErrRecipientNotFound
	}
	copied := *found
	return &copied, nil
}

func (m *memoryRepo) FindRecipientByPhoneSuffix(ctx context.Context, audienceID uuid.UUID, phoneSuffix string) (*domain.Recipient, error) {
	return m.oldestRecipient(func(r *domain.Recipient) bool {
		return r.AudienceID == audienceID && r.Phone != nil && strings.HasSuffix(domain.NormalizePhone(*r.Phone), phoneSuffix)
	})
}

func (m *memoryRepo) FindRecipientByEmail(ctx context.Context, audienceID uuid.UUID, email string) (*domain.Recipient, error) {
	return m.oldestRecipient(func(r *domain.Recipient) bool {
		return r.AudienceID == audienceID && r.Email != nil && strings.EqualFold(*r.Email, email)
	})
}

func (m *memoryRepo) FindRecipientByRedemptionToken(ctx context.Context, token string) (*domain.Recipient, error) {
	return m.oldestRecipient(func(r *domain.Recipient) bool {
		return strings.EqualFold(r.RedemptionToken, token)
	})
}

func (m *memoryRepo) FindCreditAccountForCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	for _, a := range m.accounts {
		if c.BudgetMode == domain.BudgetModeIsolated && a.AccountType == domain.AccountTypeCampaign && a.OwnerID == c.ID {
			copied := *a
			return &copied, nil
		}
		if c.BudgetMode != domain.BudgetModeIsolated && a.AccountType == domain.AccountTypeClient && a.OwnerID == c.ClientID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, store.ErrCreditAccountNotFound
}

func (m *memoryRepo) DebitCreditAccount(ctx context.Context, accountID uuid.UUID, amount int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debitCalls++
	a, ok := m.accounts[accountID]
	if !ok || a.TotalRemaining < amount {
		return 0, 0, store.ErrInsufficientCredit
	}
	before := a.TotalRemaining
	a.TotalRemaining -= amount
	a.TotalUsed += amount
	if a.TotalRemaining <= 0 {
		a.Status = domain.AccountStatusDepleted
	}
	return before, a.TotalRemaining, nil
}

func (m *memoryRepo) RefundCreditAccount(ctx context.Context, accountID uuid.UUID, amount int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return 0, 0, store.ErrCreditAccountNotFound
	}
	before := a.TotalRemaining
	a.TotalRemaining += amount
	a.TotalUsed -= amount
	if a.TotalUsed < 0 {
		a.TotalUsed = 0
	}
	return before, a.TotalRemaining, nil
}

func (m *memoryRepo) InsertCreditTransaction(ctx context.Context, txn *domain.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn.ID = uuid.New()
	txn.CreatedAt = m.now()
	m.transactions = append(m.transactions, *txn)
	return nil
}

func (m *memoryRepo) GetGiftCardBrand(ctx context.Context, brandID uuid.UUID) (*domain.GiftCardBrand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brands[brandID]
	if !ok {
		return nil, store.ErrBrandNotFound
	}
	copied := *b
	return &copied, nil
}

func (m *memoryRepo) ListInventoryPools(ctx context.Context, brandID uuid.UUID, cardValue int64) ([]domain.GiftCardPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GiftCardPool
	for _, p := range m.pools {
		if p.BrandID == brandID && p.CardValue == cardValue && p.PoolType == domain.PoolTypeInventory && p.AvailableCards > 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memoryRepo) ClaimCardFromPool(ctx context.Context, poolID, recipientID uuid.UUID) (*domain.GiftCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, card := range m.cards {
		if card.PoolID != poolID || card.Status != domain.CardStatusAvailable {
			continue
		}
		now := m.now()
		rid := recipientID
		card.Status = domain.CardStatusClaimed
		card.ClaimedByRecipient = &rid
		card.ClaimedAt = &now
		for _, p := range m.pools {
			if p.ID == poolID {
				p.AvailableCards--
			}
		}
		copied := *card
		return &copied, nil
	}
	return nil, store.ErrPoolExhausted
}

func (m *memoryRepo) FindAPIConfigPool(ctx context.Context, brandID uuid.UUID, cardValue int64) (*domain.GiftCardPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		if p.BrandID == brandID && p.CardValue == cardValue && p.PoolType == domain.PoolTypeAPIConfig {
			copied := *p
			return &copied, nil
		}
	}
	return nil, store.ErrPoolNotFound
}

func (m *memoryRepo) InsertIssuedCard(ctx context.Context, card *domain.GiftCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card.ID = uuid.New()
	card.Status = domain.CardStatusClaimed
	now := m.now()
	card.ClaimedAt = &now
	card.CreatedAt = now
	copied := *card
	m.cards = append(m.cards, &copied)
	return nil
}

func (m *memoryRepo) findRedemption(match func(*domain.GiftCardRedemption) bool) *domain.GiftCardRedemption {
	for _, r := range m.redemptions {
		if match(r) {
			return r
		}
	}
	return nil
}

func (m *memoryRepo) CreateProvisionedRedemption(ctx context.Context, redemption *domain.GiftCardRedemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := m.findRedemption(func(r *domain.GiftCardRedemption) bool {
		return r.CampaignID == redemption.CampaignID && r.RecipientID == redemption.RecipientID &&
			r.ConditionNumber != nil && redemption.ConditionNumber != nil && *r.ConditionNumber == *redemption.ConditionNumber
	})
	if dup != nil {
		return store.ErrRedemptionExists
	}
	now := m.now()
	redemption.ID = uuid.New()
	redemption.RedemptionToken = uuid.New()
	redemption.Status = domain.RedemptionProvisioned
	redemption.CreatedAt = now
	redemption.UpdatedAt = now
	copied := *redemption
	m.redemptions = append(m.redemptions, &copied)
	return nil
}

func (m *memoryRepo) AttachCardToRedemption(ctx context.Context, redemptionID, cardID, accountID uuid.UUID, amount int64, reviewer string) (*domain.GiftCardRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRedemption(func(r *domain.GiftCardRedemption) bool { return r.ID == redemptionID })
	if r == nil || r.Status != domain.RedemptionPending {
		return nil, store.ErrRedemptionStateChanged
	}
	r.Status = domain.RedemptionProvisioned
	r.ReviewStartedAt = nil
	r.GiftCardID = &cardID
	r.AccountChargedID = &accountID
	r.AmountCharged = amount
	if reviewer != "" {
		r.ReviewedBy = &reviewer
	}
	r.UpdatedAt = m.now()
	copied := *r
	return &copied, nil
}

func (m *memoryRepo) CreatePendingRedemption(ctx context.Context, redemption *domain.GiftCardRedemption) (*domain.GiftCardRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.findRedemption(func(r *domain.GiftCardRedemption) bool {
		return r.CampaignID == redemption.CampaignID && r.RecipientID == redemption.RecipientID && r.ConditionNumber == nil
	})
	if existing != nil {
		copied := *existing
		return &copied, nil
	}
	now := m.now()
	created := *redemption
	created.ID = uuid.New()
	created.RedemptionToken = uuid.New()
	created.Status = domain.RedemptionPending
	created.CreatedAt = now
	created.UpdatedAt = now
	m.redemptions = append(m.redemptions, &created)
	copied := created
	return &copied, nil
}

func (m *memoryRepo) ListRedemptionsForRecipient(ctx context.Context, campaignID, recipientID uuid.UUID) ([]domain.GiftCardRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GiftCardRedemption
	for _, r := range m.redemptions {
		if r.CampaignID == campaignID && r.RecipientID == recipientID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetRedemption(ctx context.Context, redemptionID uuid.UUID) (*domain.GiftCardRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRedemption(func(r *domain.GiftCardRedemption) bool { return r.ID == redemptionID })
	if r == nil {
		return nil, store.ErrRedemptionNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *memoryRepo) GetRedemptionByToken(ctx context.Context, token uuid.UUID) (*domain.GiftCardRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRedemption(func(r *domain.GiftCardRedemption) bool { return r.RedemptionToken == token })
	if r == nil {
		return nil, store.ErrRedemptionNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *memoryRepo) TransitionRedemption(ctx context.Context, params store.TransitionRedemptionParams) (*domain.GiftCardRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRedemption(func(r *domain.GiftCardRedemption) bool { return r.ID == params.RedemptionID })
	if r == nil {
		return nil, store.ErrRedemptionNotFound
	}
	allowed := false
	for _, from := range params.From {
		if r.Status == from {
			allowed = true
		}
	}
	if !allowed || r.Status == domain.RedemptionRedeemed {
		return nil, store.ErrRedemptionStateChanged
	}
	now := m.now()
	if params.ReviewLease > 0 && r.Status == domain.RedemptionPending && r.ReviewStartedAt != nil &&
		!r.ReviewStartedAt.Before(now.Add(-params.ReviewLease)) {
		return nil, store.ErrRedemptionStateChanged
	}
	r.Status = params.To
	switch params.To {
	case domain.RedemptionViewed:
		r.ViewedAt = &now
	case domain.RedemptionRedeemed:
		r.RedeemedAt = &now
	}
	if params.ReviewedBy != nil {
		r.ReviewedBy = params.ReviewedBy
	}
	if params.RejectionReason != nil {
		r.RejectionReason = params.RejectionReason
	}
	r.UpdatedAt = now
	copied := *r
	return &copied, nil
}

func (m *memoryRepo) ClaimPendingRedemption(ctx context.Context, redemptionID uuid.UUID, lease time.Duration) (*domain.GiftCardRedemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRedemption(func(r *domain.GiftCardRedemption) bool { return r.ID == redemptionID })
	if r == nil || r.Status != domain.RedemptionPending {
		return nil, store.ErrRedemptionStateChanged
	}
	now := m.now()
	if r.ReviewStartedAt != nil && !r.ReviewStartedAt.Before(now.Add(-lease)) {
		return nil, store.ErrRedemptionStateChanged
	}
	r.ReviewStartedAt = &now
	r.UpdatedAt = now
	copied := *r
	return &copied, nil
}

func (m *memoryRepo) ReleasePendingRedemption(ctx context.Context, redemptionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findRedemption(func(r *domain.GiftCardRedemption) bool { return r.ID == redemptionID })
	if r != nil && r.Status == domain.RedemptionPending {
		r.ReviewStartedAt = nil
	}
	return nil
}

func (m *memoryRepo) HasSettledDeliveryForRedemption(ctx context.Context, redemptionID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.RedemptionID != nil && *d.RedemptionID == redemptionID &&
			(d.Status == domain.DeliverySent || d.Status == domain.DeliveryDelivered) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) HasSettledDelivery(ctx context.Context, recipientID, campaignID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.RecipientID == recipientID && d.CampaignID == campaignID &&
			(d.Status == domain.DeliverySent || d.Status == domain.DeliveryDelivered) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) CreateDelivery(ctx context.Context, delivery *domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	delivery.ID = uuid.New()
	delivery.CreatedAt = now
	delivery.UpdatedAt = now
	copied := *delivery
	m.deliveries = append(m.deliveries, &copied)
	return nil
}

func (m *memoryRepo) UpdateDeliveryStatus(ctx context.Context, deliveryID uuid.UUID, status string, providerMessageID, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.ID == deliveryID {
			d.Status = status
			if providerMessageID != nil {
				d.ProviderMessageID = providerMessageID
			}
			d.Error = errMsg
			d.UpdatedAt = m.now()
			return nil
		}
	}
	return fmt.Errorf("delivery %s not found", deliveryID)
}

func (m *memoryRepo) ListSentDeliveriesBefore(ctx context.Context, before time.Time, limit int) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Delivery
	for _, d := range m.deliveries {
		if d.Status == domain.DeliverySent && d.ProviderMessageID != nil && d.UpdatedAt.Before(before) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memoryRepo) CreateRewardEvent(ctx context.Context, event *domain.RewardEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uuid.New()
	event.CreatedAt = m.now()
	copied := *event
	m.events = append(m.events, &copied)
	return nil
}

func (m *memoryRepo) MarkRewardEventProcessed(ctx context.Context, eventID uuid.UUID, conditionTriggered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == eventID {
			e.Processed = true
			e.ConditionTriggered = conditionTriggered
			return nil
		}
	}
	return fmt.Errorf("event %s not found", eventID)
}

func (m *memoryRepo) InsertOperationalAlert(ctx context.Context, alert *domain.OperationalAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.ID = uuid.New()
	alert.CreatedAt = m.now()
	m.alerts = append(m.alerts, *alert)
	return nil
}

// Inspection helpers.

func (m *memoryRepo) balance(accountID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[accountID].TotalRemaining
}

func (m *memoryRepo) poolAvailable(poolID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		if p.ID == poolID {
			return p.AvailableCards
		}
	}
	return -1
}

func (m *memoryRepo) redemptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redemptions)
}

func (m *memoryRepo) status(recipientID, campaignID uuid.UUID, number int) *domain.RecipientConditionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[statusKey{recipientID, campaignID, number}]
	if !ok {
		return nil
	}
	copied := *s
	return &copied
}

func (m *memoryRepo) alertsIn(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Category == category {
			n++
		}
	}
	return n
}

// fixture is a seeded campaign with one opted-in recipient and one funded client account.
type fixture struct {
	repo       *memoryRepo
	campaignID uuid.UUID
	clientID   uuid.UUID
	audienceID uuid.UUID
	recipient  *domain.Recipient
	accountID  uuid.UUID
	brandID    uuid.UUID
	poolID     uuid.UUID
}

func newFixture(balance int64, inventory int) *fixture {
	repo := newMemoryRepo()
	f := &fixture{
		repo:       repo,
		campaignID: uuid.New(),
		clientID:   uuid.New(),
		audienceID: uuid.New(),
		accountID:  uuid.New(),
		brandID:    uuid.New(),
		poolID:     uuid.New(),
	}
	repo.campaigns[f.campaignID] = &domain.Campaign{
		ID: f.campaignID, ClientID: f.clientID, AudienceID: f.audienceID, Name: "Spring mailer", BudgetMode: domain.BudgetModeShared,
	}
	phone := "+1 (555) 010-2030"
	email := "pat@example.com"
	f.recipient = &domain.Recipient{
		ID: uuid.New(), AudienceID: f.audienceID, ClientID: f.clientID, FirstName: "Pat",
		Phone: &phone, Email: &email, RedemptionToken: "MAIL-1234", SMSOptInStatus: domain.OptInOptedIn,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	repo.recipients[f.recipient.ID] = f.recipient
	repo.accounts[f.accountID] = &domain.CreditAccount{
		ID: f.accountID, AccountType: domain.AccountTypeClient, OwnerID: f.clientID, TotalRemaining: balance, Status: domain.AccountStatusActive,
	}
	repo.brands[f.brandID] = &domain.GiftCardBrand{ID: f.brandID, Name: "Coffee Co", ProviderBrandCode: "COFFEE"}
	repo.pools = append(repo.pools, &domain.GiftCardPool{
		ID: f.poolID, BrandID: f.brandID, CardValue: 2500, PoolType: domain.PoolTypeInventory, CostPerCard: 2400, AvailableCards: inventory,
	})
	for i := 0; i < inventory; i++ {
		repo.cards = append(repo.cards, &domain.GiftCard{
			ID: uuid.New(), PoolID: f.poolID, CardCode: fmt.Sprintf("INV-%03d", i), CardValue: 2500, Status: domain.CardStatusAvailable,
		})
	}
	return f
}

func (f *fixture) addCondition(number int, triggerType, triggerValue string, delayHours int) {
	f.repo.conditions[f.campaignID] = append(f.repo.conditions[f.campaignID], domain.Condition{
		ID: uuid.New(), CampaignID: f.campaignID, ConditionNumber: number, TriggerType: triggerType,
		TriggerValue: triggerValue, TimeDelayHours: delayHours, BrandID: f.brandID, CardValue: 2500, IsActive: true,
	})
}

func (f *fixture) addAPIPool() {
	provider := "tillo"
	f.repo.pools = append(f.repo.pools, &domain.GiftCardPool{
		ID: uuid.New(), BrandID: f.brandID, CardValue: 2500, PoolType: domain.PoolTypeAPIConfig, CostPerCard: 2450, APIProvider: &provider,
	})
}

type issuerStub struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *issuerStub) IssueCard(ctx context.Context, in giftcardclient.IssueCardRequest) (*giftcardclient.IssuedCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &giftcardclient.IssuedCard{ID: fmt.Sprintf("api-%d", s.calls), CardCode: fmt.Sprintf("API-%d", s.calls), Amount: in.Amount, Status: "active"}, nil
}

type smsStub struct {
	mu       sync.Mutex
	sendErr  error
	sent     []string
	statuses map[string]string
}

func (s *smsStub) SendMessage(ctx context.Context, to, body string) (*smsclient.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, body)
	return &smsclient.Message{SID: fmt.Sprintf("SM%d", len(s.sent)), Status: "queued"}, nil
}

func (s *smsStub) GetMessage(ctx context.Context, messageSID string) (*smsclient.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &smsclient.Message{SID: messageSID, Status: s.statuses[messageSID]}, nil
}

type publisherStub struct {
	mu     sync.Mutex
	events map[string]int
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *publisherStub) PublishRewardEvent(ctx context.Context, routingKey string, event rabbitmq.RewardEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = map[string]int{}
	}
	p.events[routingKey]++
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[routingKey]
}

// services wires the full pipeline over a fixture.
type services struct {
	ledger      *Ledger
	provisioner *Provisioner
	fulfillment *Fulfillment
	dispatcher  *Dispatcher
	evaluator   *Evaluator
	redemptions *RedemptionManager
	issuer      *issuerStub
	sms         *smsStub
	publisher   *publisherStub
}

func newServices(f *fixture) *services {
	s := &services{issuer: &issuerStub{}, sms: &smsStub{}, publisher: &publisherStub{}}
	s.ledger = NewLedger(f.repo)
	s.provisioner = NewProvisioner(f.repo, s.issuer)
	s.fulfillment = NewFulfillment(f.repo, s.ledger, s.provisioner)
	s.dispatcher = NewDispatcher(f.repo, s.sms, "https://rewards.example.com/redeem")
	s.evaluator = NewEvaluator(f.repo, s.fulfillment, s.dispatcher, s.publisher, time.Minute)
	s.redemptions = NewRedemptionManager(f.repo, s.fulfillment, s.publisher)
	return s
}
