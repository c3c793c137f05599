package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventDispatcher hands committed postings to the notification pipeline.
type EventDispatcher interface {
	TransactionPosted(ctx context.Context, evt TransactionPostedEvent) error
}

// IdempotencyPort guards client-replayed postings keyed by request.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service owns all AccountBalance mutation. No other component writes
// balances directly.
type Service struct {
	repo     Repository
	audit    AuditPort
	idem     IdempotencyPort
	events   EventDispatcher
	attempts int
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, audit AuditPort, idem IdempotencyPort, events EventDispatcher) *Service {
	return &Service{repo: repo, audit: audit, idem: idem, events: events, attempts: shared.DefaultTxAttempts, now: time.Now}
}

// PostTransaction appends an immutable ledger entry and adjusts the owner
// balance in one transaction. Posting the same transaction id twice is
// rejected, never upserted. Debit-type entries posted here are not checked
// against the available balance; the non-negative guarantee holds only for
// debits issued through Withdraw.
func (s *Service) PostTransaction(ctx context.Context, in PostInput) (BalanceTransaction, error) {
	if err := ValidatePostInput(in); err != nil {
		return BalanceTransaction{}, err
	}
	if in.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, "ledger"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return BalanceTransaction{}, fmt.Errorf("%w: idempotency key %q already processed", shared.ErrDuplicateEntry, in.IdempotencyKey)
			}
			return BalanceTransaction{}, err
		}
	}
	var entry BalanceTransaction
	var balance AccountBalance
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			entry, balance, err = ApplyPosting(ctx, tx, in, false)
			return err
		})
	})
	if err != nil {
		if in.IdempotencyKey != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, in.IdempotencyKey)
		}
		return BalanceTransaction{}, err
	}
	s.afterPost(ctx, entry, balance, "ledger.post")
	return entry, nil
}

// Withdraw debits the owner wallet, checked and debited atomically so two
// concurrent withdrawals cannot both pass against a stale balance.
func (s *Service) Withdraw(ctx context.Context, owner OwnerRef, amount decimal.Decimal, actorID uuid.UUID) (BalanceTransaction, error) {
	in := PostInput{
		Amount:          amount,
		Type:            TransactionTypeWithdrawal,
		Owner:           owner,
		TransactionDate: s.now().UTC(),
		ActorID:         actorID,
	}
	if err := ValidatePostInput(in); err != nil {
		return BalanceTransaction{}, err
	}
	var entry BalanceTransaction
	var balance AccountBalance
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			entry, balance, err = ApplyPosting(ctx, tx, in, true)
			return err
		})
	})
	if err != nil {
		return BalanceTransaction{}, err
	}
	s.afterPost(ctx, entry, balance, "ledger.withdraw")
	return entry, nil
}

// GetBalance returns the running balance, always equal to the signed sum of
// the owner's entries.
func (s *Service) GetBalance(ctx context.Context, owner OwnerRef) (AccountBalance, error) {
	if !owner.Kind.IsValid() {
		return AccountBalance{}, shared.NewValidationError("owner_kind", "unknown owner kind")
	}
	if owner.ID == uuid.Nil {
		return AccountBalance{}, shared.NewValidationError("owner_id", "required")
	}
	return s.repo.GetBalance(ctx, owner)
}

// GetTransaction fetches a single ledger entry.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (BalanceTransaction, error) {
	if id == uuid.Nil {
		return BalanceTransaction{}, shared.NewValidationError("id", "required")
	}
	return s.repo.GetTransaction(ctx, id)
}

// ListTransactions returns a paginated statement for one owner.
func (s *Service) ListTransactions(ctx context.Context, owner OwnerRef, filter StatementFilter) ([]BalanceTransaction, int, error) {
	if !owner.Kind.IsValid() {
		return nil, 0, shared.NewValidationError("owner_kind", "unknown owner kind")
	}
	if owner.ID == uuid.Nil {
		return nil, 0, shared.NewValidationError("owner_id", "required")
	}
	for _, t := range filter.Types {
		if !t.IsValid() {
			return nil, 0, shared.NewValidationError("types", fmt.Sprintf("unknown transaction type %q", t))
		}
	}
	return s.repo.ListTransactions(ctx, owner, filter)
}

func (s *Service) afterPost(ctx context.Context, entry BalanceTransaction, balance AccountBalance, action string) {
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  entry.CreatedBy,
			Action:   action,
			Entity:   "balance_transaction",
			EntityID: entry.ID.String(),
			Meta: map[string]any{
				"type":       string(entry.Type),
				"owner_kind": string(entry.Owner.Kind),
				"owner_id":   entry.Owner.ID.String(),
				"amount":     entry.Amount.String(),
			},
			At: s.now(),
		})
	}
	if s.events != nil {
		_ = s.events.TransactionPosted(ctx, TransactionPostedEvent{
			TransactionID: entry.ID,
			Type:          entry.Type,
			OwnerKind:     entry.Owner.Kind,
			OwnerID:       entry.Owner.ID,
			Amount:        entry.Amount,
			Balance:       balance.Balance,
			PostedAt:      entry.CreatedAt,
		})
	}
}
