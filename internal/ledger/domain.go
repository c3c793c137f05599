package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported ledger entry types.
type TransactionType string

const (
	TransactionTypePayment    TransactionType = "payment"
	TransactionTypeCollection TransactionType = "collection"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeExpense    TransactionType = "expense"
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
)

// IsValid checks whether the transaction type is known.
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypePayment, TransactionTypeCollection, TransactionTypeRefund,
		TransactionTypeExpense, TransactionTypeTransfer, TransactionTypeDeposit,
		TransactionTypeWithdrawal:
		return true
	default:
		return false
	}
}

// IsCredit reports whether the type increases the counterparty balance.
// Collections, deposits and refunds credit the owner; payments, withdrawals,
// expenses and transfers debit it.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TransactionTypeCollection, TransactionTypeDeposit, TransactionTypeRefund:
		return true
	default:
		return false
	}
}

// OwnerKind identifies the account family a balance belongs to.
type OwnerKind string

const (
	OwnerKindDelegate OwnerKind = "delegate"
	OwnerKindShipper  OwnerKind = "shipper"
	OwnerKindStore    OwnerKind = "store"
	OwnerKindUser     OwnerKind = "user"
)

// IsValid checks whether the owner kind is known.
func (k OwnerKind) IsValid() bool {
	switch k {
	case OwnerKindDelegate, OwnerKindShipper, OwnerKindStore, OwnerKindUser:
		return true
	default:
		return false
	}
}

// OwnerRef points at exactly one counterparty account.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// BalanceTransaction is an immutable, append-only ledger entry. Corrections
// are new offsetting entries, never edits.
type BalanceTransaction struct {
	ID              uuid.UUID       `json:"id"`
	Amount          decimal.Decimal `json:"amount"`
	Type            TransactionType `json:"transaction_type"`
	Owner           OwnerRef        `json:"owner"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	Description     string          `json:"description,omitempty"`
	TransactionDate time.Time       `json:"transaction_date"`
	CreatedBy       uuid.UUID       `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SignedAmount is the contribution of this entry to the owner balance.
func (t BalanceTransaction) SignedAmount() decimal.Decimal {
	if t.Type.IsCredit() {
		return t.Amount
	}
	return t.Amount.Neg()
}

// AccountBalance is the running balance for one owner. Only the ledger
// mutates it, and only in the same transaction as the entry insert.
type AccountBalance struct {
	OwnerID   uuid.UUID       `json:"owner_id"`
	OwnerKind OwnerKind       `json:"owner_kind"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PostInput describes a ledger posting request.
type PostInput struct {
	ID              uuid.UUID
	Amount          decimal.Decimal
	Type            TransactionType
	Owner           OwnerRef
	PaymentMethod   string
	ReferenceNumber string
	Description     string
	TransactionDate time.Time
	ActorID         uuid.UUID
	IdempotencyKey  string
}

// StatementFilter narrows transaction listings for one owner.
type StatementFilter struct {
	Types []TransactionType
	From  time.Time
	To    time.Time
	Page  int
	Per   int
}

// TransactionPostedEvent is emitted after a ledger entry commits. It carries
// the entity id and resulting state so at-least-once delivery stays
// idempotent-safe.
type TransactionPostedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Type          TransactionType `json:"transaction_type"`
	OwnerKind     OwnerKind       `json:"owner_kind"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	PostedAt      time.Time       `json:"posted_at"`
}
