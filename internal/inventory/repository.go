package inventory

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-logistics/atlas-core/internal/platform/db"
	"github.com/atlas-logistics/atlas-core/internal/shared"
	"github.com/atlas-logistics/atlas-core/internal/shipment"
)

// Repository encapsulates DB operations for inventory counts.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCount(ctx context.Context, id uuid.UUID) (InventoryCount, error)
	ListCounts(ctx context.Context, filter ListFilter) ([]InventoryCount, int, error)
	ListLogEntries(ctx context.Context, inventoryID uuid.UUID) ([]LogEntry, error)
}

// TxRepository exposes count writes within a transaction.
type TxRepository interface {
	GetCountForUpdate(ctx context.Context, id uuid.UUID) (InventoryCount, error)
	InsertCount(ctx context.Context, count InventoryCount) error
	SnapshotExpected(ctx context.Context, inventoryID, branchID uuid.UUID) (int, error)
	SetTotalItems(ctx context.Context, id uuid.UUID, total int) error
	IsExpected(ctx context.Context, inventoryID, shipmentID uuid.UUID) (bool, error)
	GetLogEntry(ctx context.Context, inventoryID, shipmentID uuid.UUID) (LogEntry, error)
	InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error)
	IncrementCounted(ctx context.Context, id uuid.UUID) error
	InsertMissingEntries(ctx context.Context, inventoryID uuid.UUID, recordedAt time.Time) (int, error)
	CloseCount(ctx context.Context, id uuid.UUID, status CountStatus, discrepancy int, closedAt time.Time) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository builds the postgres-backed inventory repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, "inventory", func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const countColumns = `id, branch_id, count_date, status, total_items, counted_items, discrepancy, created_at, updated_at, closed_at`

func (r *repository) GetCount(ctx context.Context, id uuid.UUID) (InventoryCount, error) {
	row := r.db.QueryRow(ctx, `SELECT `+countColumns+` FROM inventory_counts WHERE id=$1`, id)
	count, err := scanCount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryCount{}, shared.ErrNotFound
	}
	return count, err
}

func (r *repository) ListCounts(ctx context.Context, filter ListFilter) ([]InventoryCount, int, error) {
	page := shared.NewPagination(filter.Page, filter.Per, 0)
	where := `WHERE 1=1`
	args := []any{}
	idx := 1
	add := func(cond string, val any) {
		where += ` AND ` + cond + `$` + strconv.Itoa(idx)
		args = append(args, val)
		idx++
	}
	if filter.BranchID != nil {
		add(`branch_id=`, *filter.BranchID)
	}
	if filter.Status != nil {
		add(`status=`, *filter.Status)
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_counts `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + countColumns + ` FROM inventory_counts ` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(idx) + ` OFFSET $` + strconv.Itoa(idx+1)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var counts []InventoryCount
	for rows.Next() {
		count, err := scanCount(rows)
		if err != nil {
			return nil, 0, err
		}
		counts = append(counts, count)
	}
	return counts, total, rows.Err()
}

func (r *repository) ListLogEntries(ctx context.Context, inventoryID uuid.UUID) ([]LogEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT id, inventory_id, shipment_id, status, recorded_at
FROM inventory_log_entries WHERE inventory_id=$1 ORDER BY recorded_at ASC, id ASC`, inventoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.InventoryID, &e.ShipmentID, &e.Status, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetCountForUpdate(ctx context.Context, id uuid.UUID) (InventoryCount, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+countColumns+` FROM inventory_counts WHERE id=$1 FOR UPDATE`, id)
	count, err := scanCount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryCount{}, shared.ErrNotFound
	}
	return count, err
}

func (r *txRepository) InsertCount(ctx context.Context, count InventoryCount) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_counts (id, branch_id, count_date, status, total_items, counted_items, discrepancy, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		count.ID, count.BranchID, count.CountDate, count.Status,
		count.TotalItems, count.CountedItems, count.Discrepancy, count.CreatedAt)
	return err
}

// SnapshotExpected freezes the branch's open shipments as the baseline for
// this count.
func (r *txRepository) SnapshotExpected(ctx context.Context, inventoryID, branchID uuid.UUID) (int, error) {
	cmd, err := r.tx.Exec(ctx, `INSERT INTO inventory_expected (inventory_id, shipment_id)
SELECT $1, id FROM shipments WHERE branch_id=$2 AND status NOT IN ($3,$4,$5)`,
		inventoryID, branchID,
		shipment.StatusDelivered, shipment.StatusCancelled, shipment.StatusReturnedToWarehouse)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *txRepository) SetTotalItems(ctx context.Context, id uuid.UUID, total int) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_counts SET total_items=$2, updated_at=NOW() WHERE id=$1`, id, total)
	return err
}

func (r *txRepository) IsExpected(ctx context.Context, inventoryID, shipmentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM inventory_expected WHERE inventory_id=$1 AND shipment_id=$2)`, inventoryID, shipmentID).Scan(&exists)
	return exists, err
}

func (r *txRepository) GetLogEntry(ctx context.Context, inventoryID, shipmentID uuid.UUID) (LogEntry, error) {
	var e LogEntry
	err := r.tx.QueryRow(ctx, `SELECT id, inventory_id, shipment_id, status, recorded_at
FROM inventory_log_entries WHERE inventory_id=$1 AND shipment_id=$2`, inventoryID, shipmentID).
		Scan(&e.ID, &e.InventoryID, &e.ShipmentID, &e.Status, &e.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LogEntry{}, shared.ErrNotFound
	}
	return e, err
}

func (r *txRepository) InsertLogEntry(ctx context.Context, entry LogEntry) (LogEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_log_entries (inventory_id, shipment_id, status, recorded_at)
VALUES ($1,$2,$3,$4) RETURNING id`,
		entry.InventoryID, entry.ShipmentID, entry.Status, entry.RecordedAt).Scan(&entry.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return LogEntry{}, shared.ErrDuplicateEntry
		}
		return LogEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) IncrementCounted(ctx context.Context, id uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_counts SET counted_items=counted_items+1, updated_at=NOW() WHERE id=$1`, id)
	return err
}

// InsertMissingEntries synthesizes a missing entry for every expected
// shipment that was never recorded during the count.
func (r *txRepository) InsertMissingEntries(ctx context.Context, inventoryID uuid.UUID, recordedAt time.Time) (int, error) {
	cmd, err := r.tx.Exec(ctx, `INSERT INTO inventory_log_entries (inventory_id, shipment_id, status, recorded_at)
SELECT e.inventory_id, e.shipment_id, $3, $2
FROM inventory_expected e
WHERE e.inventory_id=$1
  AND NOT EXISTS (
    SELECT 1 FROM inventory_log_entries l
    WHERE l.inventory_id=e.inventory_id AND l.shipment_id=e.shipment_id)`,
		inventoryID, recordedAt, LogMissing)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *txRepository) CloseCount(ctx context.Context, id uuid.UUID, status CountStatus, discrepancy int, closedAt time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE inventory_counts
SET status=$2, discrepancy=$3, closed_at=$4, updated_at=NOW() WHERE id=$1`, id, status, discrepancy, closedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCount(row rowScanner) (InventoryCount, error) {
	var c InventoryCount
	err := row.Scan(&c.ID, &c.BranchID, &c.CountDate, &c.Status, &c.TotalItems,
		&c.CountedItems, &c.Discrepancy, &c.CreatedAt, &c.UpdatedAt, &c.ClosedAt)
	return c, err
}
