package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FindCreditAccountForCampaign resolves the account a campaign draws from: its own
// account in isolated mode, otherwise the client's shared account. Both the credit
// check and the debit use the id returned here.
func (r *PostgresRepository) FindCreditAccountForCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.CreditAccount, error) {
	query := `
		SELECT ca.id, ca.account_type, ca.owner_id, ca.total_used, ca.total_remaining, ca.status, ca.updated_at
		FROM campaigns c
		JOIN credit_accounts ca ON (
			(c.budget_mode = 'isolated' AND ca.id = c.credit_account_id)
			OR (c.budget_mode = 'shared' AND ca.account_type = 'client' AND ca.owner_id = c.client_id)
		)
		WHERE c.id = $1
		LIMIT 1
	`
	var a domain.CreditAccount
	err := r.db.QueryRow(ctx, query, campaignID).Scan(
		&a.ID, &a.AccountType, &a.OwnerID, &a.TotalUsed, &a.TotalRemaining, &a.Status, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCreditAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// DebitCreditAccount is the only guard against overdraft: a single conditional update
// that affects zero rows when the remaining balance is too small.
func (r *PostgresRepository) DebitCreditAccount(ctx context.Context, accountID uuid.UUID, amount int64) (int64, int64, error) {
	query := `
		UPDATE credit_accounts
		SET total_remaining = total_remaining - $2,
		    total_used = total_used + $2,
		    status = CASE WHEN total_remaining - $2 <= 0 THEN 'depleted' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND total_remaining >= $2
		RETURNING total_remaining
	`
	var after int64
	err := r.db.QueryRow(ctx, query, accountID, amount).Scan(&after)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrInsufficientCredit
		}
		return 0, 0, fmt.Errorf("debit credit account: %w", err)
	}
	return after + amount, after, nil
}

// RefundCreditAccount returns a previously debited amount. Depleted status is left as is.
func (r *PostgresRepository) RefundCreditAccount(ctx context.Context, accountID uuid.UUID, amount int64) (int64, int64, error) {
	query := `
		UPDATE credit_accounts
		SET total_remaining = total_remaining + $2,
		    total_used = GREATEST(total_used - $2, 0),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING total_remaining
	`
	var after int64
	err := r.db.QueryRow(ctx, query, accountID, amount).Scan(&after)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrCreditAccountNotFound
		}
		return 0, 0, fmt.Errorf("refund credit account: %w", err)
	}
	return after - amount, after, nil
}

// InsertCreditTransaction appends an immutable ledger row.
func (r *PostgresRepository) InsertCreditTransaction(ctx context.Context, txn *domain.CreditTransaction) error {
	metadata := txn.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO credit_transactions (account_id, amount, balance_before, balance_after, transaction_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query,
		txn.AccountID, txn.Amount, txn.BalanceBefore, txn.BalanceAfter, txn.TransactionType, string(metadata),
	).Scan(&txn.ID, &txn.CreatedAt)
}
