/**
 * @description
 * The credit ledger guards campaign budgets. All balance changes go through a single
 * conditional UPDATE in the store, and every change is followed by an append-only
 * ledger row.
 *
 * @notes
 * - A failure to write the ledger row does not undo the balance change; it is logged.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/Phillboard/mobul-sub001/internal/store"
	"github.com/google/uuid"
)

// CreditCheck is the result of a balance check against the resolved account.
type CreditCheck struct {
	Sufficient bool      `json:"sufficient"`
	AccountID  uuid.UUID `json:"account_id"`
	Available  int64     `json:"available"`
}

// Ledger checks and moves campaign credit.
type Ledger struct {
	repo store.Repository
}

func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// CheckSufficient resolves the account the campaign draws from and compares its balance.
// Callers must debit the returned AccountID.
func (l *Ledger) CheckSufficient(ctx context.Context, campaignID uuid.UUID, amount int64) (*CreditCheck, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("amount must be positive")
	}
	account, err := l.repo.FindCreditAccountForCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("resolve credit account: %w", err)
	}
	return &CreditCheck{
		Sufficient: account.TotalRemaining >= amount,
		AccountID:  account.ID,
		Available:  account.TotalRemaining,
	}, nil
}

// Debit removes amount from the account or fails with an overdraft error.
func (l *Ledger) Debit(ctx context.Context, accountID uuid.UUID, amount int64, metadata map[string]interface{}) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("amount must be positive")
	}
	before, after, err := l.repo.DebitCreditAccount(ctx, accountID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrOverdraft) {
			return nil, err
		}
		return nil, fmt.Errorf("debit credit account: %w", err)
	}
	return l.appendTransaction(ctx, accountID, amount, before, after, domain.CreditTransactionDebit, metadata), nil
}

// Refund returns a debited amount after a failed fulfillment.
func (l *Ledger) Refund(ctx context.Context, accountID uuid.UUID, amount int64, metadata map[string]interface{}) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("amount must be positive")
	}
	before, after, err := l.repo.RefundCreditAccount(ctx, accountID, amount)
	if err != nil {
		return nil, fmt.Errorf("refund credit account: %w", err)
	}
	return l.appendTransaction(ctx, accountID, amount, before, after, domain.CreditTransactionRefund, metadata), nil
}

func (l *Ledger) appendTransaction(ctx context.Context, accountID uuid.UUID, amount, before, after int64, txType string, metadata map[string]interface{}) *domain.CreditTransaction {
	raw, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		raw = []byte(`{}`)
	}
	txn := &domain.CreditTransaction{
		AccountID:       accountID,
		Amount:          amount,
		BalanceBefore:   before,
		BalanceAfter:    after,
		TransactionType: txType,
		Metadata:        raw,
	}
	if err := l.repo.InsertCreditTransaction(ctx, txn); err != nil {
		log.Printf("level=error component=ledger msg=\"failed to append credit transaction\" account_id=%s type=%s amount=%d err=%v", accountID, txType, amount, err)
	}
	return txn
}
