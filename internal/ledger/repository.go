package ledger

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/platform/db"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// ErrBalanceNotFound indicates no balance row exists for the owner yet.
var ErrBalanceNotFound = errors.New("ledger: balance not found")

// Repository encapsulates DB operations for the ledger.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, owner OwnerRef) (AccountBalance, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (BalanceTransaction, error)
	ListTransactions(ctx context.Context, owner OwnerRef, filter StatementFilter) ([]BalanceTransaction, int, error)
}

// TxRepository exposes ledger writes available within a transaction. Other
// modules posting cash effects atomically with their own writes obtain one
// via NewTxRepository over their open transaction.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, owner OwnerRef) (AccountBalance, error)
	InsertTransaction(ctx context.Context, entry BalanceTransaction) error
	UpsertBalance(ctx context.Context, balance AccountBalance) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository builds the postgres-backed ledger repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, "ledger", func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

func (r *repository) GetBalance(ctx context.Context, owner OwnerRef) (AccountBalance, error) {
	var bal AccountBalance
	var raw string
	err := r.db.QueryRow(ctx, `SELECT owner_kind, owner_id, balance::text, updated_at
FROM account_balances WHERE owner_kind=$1 AND owner_id=$2`, owner.Kind, owner.ID).
		Scan(&bal.OwnerKind, &bal.OwnerID, &raw, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A missing row means no entries yet: the signed sum is zero.
			return AccountBalance{OwnerID: owner.ID, OwnerKind: owner.Kind, Balance: decimal.Zero}, nil
		}
		return AccountBalance{}, err
	}
	bal.Balance, err = decimal.NewFromString(raw)
	if err != nil {
		return AccountBalance{}, err
	}
	return bal, nil
}

func (r *repository) GetTransaction(ctx context.Context, id uuid.UUID) (BalanceTransaction, error) {
	row := r.db.QueryRow(ctx, `SELECT id, amount::text, tx_type, owner_kind, owner_id, payment_method, reference_number, description, transaction_date, created_by, created_at
FROM balance_transactions WHERE id=$1`, id)
	entry, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceTransaction{}, shared.ErrNotFound
		}
		return BalanceTransaction{}, err
	}
	return entry, nil
}

func (r *repository) ListTransactions(ctx context.Context, owner OwnerRef, filter StatementFilter) ([]BalanceTransaction, int, error) {
	page := shared.NewPagination(filter.Page, filter.Per, 0)
	args := []any{owner.Kind, owner.ID}
	where := `WHERE owner_kind=$1 AND owner_id=$2`
	idx := 3
	if len(filter.Types) > 0 {
		where += ` AND tx_type = ANY($3)`
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		args = append(args, types)
		idx++
	}
	if !filter.From.IsZero() {
		where += ` AND transaction_date >= $` + strconv.Itoa(idx)
		args = append(args, filter.From)
		idx++
	}
	if !filter.To.IsZero() {
		where += ` AND transaction_date <= $` + strconv.Itoa(idx)
		args = append(args, filter.To)
		idx++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM balance_transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, amount::text, tx_type, owner_kind, owner_id, payment_method, reference_number, description, transaction_date, created_by, created_at
FROM balance_transactions ` + where + ` ORDER BY transaction_date DESC, created_at DESC LIMIT $` + strconv.Itoa(idx) + ` OFFSET $` + strconv.Itoa(idx+1)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var entries []BalanceTransaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction with ledger write operations.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, owner OwnerRef) (AccountBalance, error) {
	var bal AccountBalance
	var raw string
	err := r.tx.QueryRow(ctx, `SELECT owner_kind, owner_id, balance::text, updated_at
FROM account_balances WHERE owner_kind=$1 AND owner_id=$2 FOR UPDATE`, owner.Kind, owner.ID).
		Scan(&bal.OwnerKind, &bal.OwnerID, &raw, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountBalance{}, ErrBalanceNotFound
		}
		return AccountBalance{}, err
	}
	bal.Balance, err = decimal.NewFromString(raw)
	if err != nil {
		return AccountBalance{}, err
	}
	return bal, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, entry BalanceTransaction) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO balance_transactions (id, amount, tx_type, owner_kind, owner_id, payment_method, reference_number, description, transaction_date, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.Amount.String(), entry.Type, entry.Owner.Kind, entry.Owner.ID,
		nullString(entry.PaymentMethod), nullString(entry.ReferenceNumber), nullString(entry.Description),
		entry.TransactionDate, nullID(entry.CreatedBy), entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance AccountBalance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO account_balances (owner_kind, owner_id, balance, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (owner_kind, owner_id) DO UPDATE SET balance=EXCLUDED.balance, updated_at=NOW()`,
		balance.OwnerKind, balance.OwnerID, balance.Balance.String())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (BalanceTransaction, error) {
	var entry BalanceTransaction
	var raw string
	var method, ref, desc *string
	var createdBy *uuid.UUID
	err := row.Scan(&entry.ID, &raw, &entry.Type, &entry.Owner.Kind, &entry.Owner.ID, &method, &ref, &desc, &entry.TransactionDate, &createdBy, &entry.CreatedAt)
	if err != nil {
		return BalanceTransaction{}, err
	}
	entry.Amount, err = decimal.NewFromString(raw)
	if err != nil {
		return BalanceTransaction{}, err
	}
	if method != nil {
		entry.PaymentMethod = *method
	}
	if ref != nil {
		entry.ReferenceNumber = *ref
	}
	if desc != nil {
		entry.Description = *desc
	}
	if createdBy != nil {
		entry.CreatedBy = *createdBy
	}
	return entry, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
