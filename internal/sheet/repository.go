package sheet

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/platform/db"
	"github.com/atlas-logistics/atlas-core/internal/shared"
	"github.com/atlas-logistics/atlas-core/internal/shipment"
)

// Repository encapsulates DB operations for sheets and their membership.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSheet(ctx context.Context, id uuid.UUID) (Sheet, error)
	ListSheets(ctx context.Context, filter ListFilter) ([]Sheet, int, error)
	Summary(ctx context.Context, sheetID uuid.UUID) (Summary, error)
}

// TxRepository exposes sheet writes within a transaction. Membership writes
// touch shipment rows guarded by the sheet_id IS NULL predicate, so the
// sheet row itself never serializes concurrent assignments.
type TxRepository interface {
	GetSheetForUpdate(ctx context.Context, id uuid.UUID) (Sheet, error)
	InsertSheet(ctx context.Context, sh Sheet) error
	UpdateSheetStatus(ctx context.Context, id uuid.UUID, status Status) error
	AssignShipments(ctx context.Context, sheetID uuid.UUID, shipmentIDs []uuid.UUID) (int64, error)
	ListMemberIDs(ctx context.Context, sheetID uuid.UUID, shipmentIDs []uuid.UUID) ([]uuid.UUID, error)
	ReleaseShipment(ctx context.Context, sheetID, shipmentID uuid.UUID) (int64, error)
	ReleaseAllShipments(ctx context.Context, sheetID uuid.UUID) error
	ListOpenMemberIDs(ctx context.Context, sheetID uuid.UUID) ([]uuid.UUID, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository builds the postgres-backed sheet repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, "sheet", func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const sheetColumns = `id, name, sheet_type, delegate_id, store_id, status, created_at, updated_at`

func (r *repository) GetSheet(ctx context.Context, id uuid.UUID) (Sheet, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sheetColumns+` FROM sheets WHERE id=$1`, id)
	sh, err := scanSheet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sheet{}, shared.ErrNotFound
	}
	return sh, err
}

func (r *repository) ListSheets(ctx context.Context, filter ListFilter) ([]Sheet, int, error) {
	page := shared.NewPagination(filter.Page, filter.Per, 0)
	where := `WHERE 1=1`
	args := []any{}
	idx := 1
	add := func(cond string, val any) {
		where += ` AND ` + cond + `$` + strconv.Itoa(idx)
		args = append(args, val)
		idx++
	}
	if filter.DelegateID != nil {
		add(`delegate_id=`, *filter.DelegateID)
	}
	if filter.StoreID != nil {
		add(`store_id=`, *filter.StoreID)
	}
	if filter.Status != nil {
		add(`status=`, *filter.Status)
	}
	if filter.Type != nil {
		add(`sheet_type=`, *filter.Type)
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM sheets `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + sheetColumns + ` FROM sheets ` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(idx) + ` OFFSET $` + strconv.Itoa(idx+1)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var sheets []Sheet
	for rows.Next() {
		sh, err := scanSheet(rows)
		if err != nil {
			return nil, 0, err
		}
		sheets = append(sheets, sh)
	}
	return sheets, total, rows.Err()
}

// Summary aggregates member rows in one pass. Reads are snapshot only, so
// no transaction or lock is taken.
// Summary recomputes the aggregate from member rows inside one read
// snapshot, so the counts and the COD total describe the same instant.
func (r *repository) Summary(ctx context.Context, sheetID uuid.UUID) (Summary, error) {
	summary := Summary{
		SheetID:      sheetID,
		StatusCounts: make(map[shipment.Status]int),
		TotalCOD:     decimal.Zero,
	}
	err := db.WithReadTx(ctx, r.db, "sheet.summary", func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sheets WHERE id=$1)`, sheetID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return shared.ErrNotFound
		}

		rows, err := tx.Query(ctx, `SELECT status, COUNT(*), COALESCE(SUM(cod_amount),0)::text
FROM shipments WHERE sheet_id=$1 GROUP BY status`, sheetID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var status shipment.Status
			var count int
			var cod string
			if err := rows.Scan(&status, &count, &cod); err != nil {
				return err
			}
			amount, err := decimal.NewFromString(cod)
			if err != nil {
				return err
			}
			summary.StatusCounts[status] = count
			summary.TotalShipments += count
			summary.TotalCOD = summary.TotalCOD.Add(amount)
			switch {
			case status == shipment.StatusDelivered:
				summary.DeliveredCount += count
			case !settled(status):
				summary.PendingCount += count
			}
		}
		return rows.Err()
	})
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetSheetForUpdate(ctx context.Context, id uuid.UUID) (Sheet, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+sheetColumns+` FROM sheets WHERE id=$1 FOR UPDATE`, id)
	sh, err := scanSheet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sheet{}, shared.ErrNotFound
	}
	return sh, err
}

func (r *txRepository) InsertSheet(ctx context.Context, sh Sheet) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO sheets (id, name, sheet_type, delegate_id, store_id, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		sh.ID, sh.Name, sh.Type, sh.DelegateID, sh.StoreID, sh.Status, sh.CreatedAt)
	return err
}

func (r *txRepository) UpdateSheetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE sheets SET status=$2, updated_at=NOW() WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AssignShipments claims the listed shipments for the sheet. The predicate
// only matches unassigned rows, so the affected count tells the caller
// whether anything was already taken.
func (r *txRepository) AssignShipments(ctx context.Context, sheetID uuid.UUID, shipmentIDs []uuid.UUID) (int64, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE shipments SET sheet_id=$1, updated_at=NOW()
WHERE id = ANY($2) AND sheet_id IS NULL`, sheetID, shipmentIDs)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *txRepository) ListMemberIDs(ctx context.Context, sheetID uuid.UUID, shipmentIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM shipments WHERE id = ANY($2) AND sheet_id=$1`, sheetID, shipmentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) ReleaseShipment(ctx context.Context, sheetID, shipmentID uuid.UUID) (int64, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE shipments SET sheet_id=NULL, updated_at=NOW()
WHERE id=$1 AND sheet_id=$2`, shipmentID, sheetID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *txRepository) ReleaseAllShipments(ctx context.Context, sheetID uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `UPDATE shipments SET sheet_id=NULL, updated_at=NOW() WHERE sheet_id=$1`, sheetID)
	return err
}

func (r *txRepository) ListOpenMemberIDs(ctx context.Context, sheetID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM shipments
WHERE sheet_id=$1 AND status NOT IN ($2,$3,$4,$5) ORDER BY created_at ASC`,
		sheetID,
		shipment.StatusDelivered, shipment.StatusReturned,
		shipment.StatusReturnedToWarehouse, shipment.StatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSheet(row rowScanner) (Sheet, error) {
	var sh Sheet
	err := row.Scan(&sh.ID, &sh.Name, &sh.Type, &sh.DelegateID, &sh.StoreID, &sh.Status, &sh.CreatedAt, &sh.UpdatedAt)
	return sh, err
}
