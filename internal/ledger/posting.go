package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// ApplyPosting appends the ledger entry and adjusts the owner balance inside
// the caller's transaction. The balance row is locked first, so both writes
// commit together or not at all. enforceFunds rejects debits that would drive
// the balance negative.
//
// Modules whose operations imply a cash event (e.g. a COD delivery) call this
// from their own transaction so the status write and the ledger post are one
// atomic unit.
func ApplyPosting(ctx context.Context, tx TxRepository, in PostInput, enforceFunds bool) (BalanceTransaction, AccountBalance, error) {
	if err := ValidatePostInput(in); err != nil {
		return BalanceTransaction{}, AccountBalance{}, err
	}

	balance, err := tx.GetBalanceForUpdate(ctx, in.Owner)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return BalanceTransaction{}, AccountBalance{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = AccountBalance{OwnerID: in.Owner.ID, OwnerKind: in.Owner.Kind, Balance: decimal.Zero}
	}

	entry := BalanceTransaction{
		ID:              in.ID,
		Amount:          in.Amount,
		Type:            in.Type,
		Owner:           in.Owner,
		PaymentMethod:   in.PaymentMethod,
		ReferenceNumber: in.ReferenceNumber,
		Description:     in.Description,
		TransactionDate: in.TransactionDate,
		CreatedBy:       in.ActorID,
		CreatedAt:       time.Now().UTC(),
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.TransactionDate.IsZero() {
		entry.TransactionDate = entry.CreatedAt
	}

	newBalance := balance.Balance.Add(entry.SignedAmount())
	if enforceFunds && !entry.Type.IsCredit() && newBalance.IsNegative() {
		return BalanceTransaction{}, AccountBalance{}, shared.ErrInsufficientFunds
	}

	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return BalanceTransaction{}, AccountBalance{}, err
	}
	balance.Balance = newBalance
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return BalanceTransaction{}, AccountBalance{}, err
	}
	return entry, balance, nil
}

// ValidatePostInput rejects malformed postings before any persistence attempt.
func ValidatePostInput(in PostInput) error {
	if !in.Type.IsValid() {
		return shared.NewValidationError("transaction_type", "unknown transaction type")
	}
	if !in.Amount.IsPositive() {
		return shared.NewValidationError("amount", "must be positive")
	}
	if !in.Owner.Kind.IsValid() {
		return shared.NewValidationError("owner_kind", "unknown owner kind")
	}
	if in.Owner.ID == uuid.Nil {
		return shared.NewValidationError("owner_id", "exactly one counterparty required")
	}
	return nil
}
