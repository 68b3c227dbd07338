package store

import (
	"errors"

	"github.com/Phillboard/mobul-sub001/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrCampaignNotFound       = domain.NewNotFoundError("CAMPAIGN_NOT_FOUND", "campaign not found")
	ErrRecipientNotFound      = domain.NewNotFoundError("RECIPIENT_NOT_FOUND", "recipient not found")
	ErrCreditAccountNotFound  = domain.NewNotFoundError("CREDIT_ACCOUNT_NOT_FOUND", "credit account not found")
	ErrBrandNotFound          = domain.NewNotFoundError("BRAND_NOT_FOUND", "gift card brand not found")
	ErrPoolNotFound           = domain.NewNotFoundError("POOL_NOT_FOUND", "gift card pool not found")
	ErrGiftCardNotFound       = domain.NewNotFoundError("GIFT_CARD_NOT_FOUND", "gift card not found")
	ErrRedemptionNotFound     = domain.NewNotFoundError("REDEMPTION_NOT_FOUND", "redemption not found")
	ErrInsufficientCredit     = &domain.Error{Kind: domain.KindOverdraft, Code: "INSUFFICIENT_CREDIT", Message: "insufficient credit"}
	ErrPoolExhausted          = domain.NewConflictError("POOL_EXHAUSTED", "gift card pool has no available cards")
	ErrPrerequisiteNotMet     = domain.NewConflictError("PREREQUISITE_NOT_MET", "previous condition is not met")
	ErrRedemptionExists       = domain.NewConflictError("REDEMPTION_EXISTS", "redemption already exists")
	ErrRedemptionStateChanged = domain.NewConflictError("REDEMPTION_STATE_CHANGED", "redemption is not in the expected state")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
