package shipment

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/ledger"
	"github.com/atlas-logistics/atlas-core/internal/platform/db"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// Repository encapsulates DB operations for the shipment registry.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetShipment(ctx context.Context, id uuid.UUID) (Shipment, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (Shipment, error)
	ListShipments(ctx context.Context, filter ListFilter) ([]Shipment, int, error)
	ListStatusHistory(ctx context.Context, shipmentID uuid.UUID) ([]StatusChange, error)
}

// TxRepository exposes registry writes within a transaction. The registry is
// the only writer of status and sheet_id. Ledger gives access to ledger
// postings sharing the same transaction, so a failed COD post rolls back the
// status change with it.
type TxRepository interface {
	GetShipmentForUpdate(ctx context.Context, id uuid.UUID) (Shipment, error)
	InsertShipment(ctx context.Context, sh Shipment) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, deliveredAt, returnedAt *time.Time) error
	InsertStatusChange(ctx context.Context, change StatusChange) error
	Ledger() ledger.TxRepository
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository builds the postgres-backed shipment repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, "shipment", func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const shipmentColumns = `id, tracking_number, status, cod_amount::text, sheet_id, branch_id, delegate_id, shipper_id, created_at, updated_at, delivered_at, returned_at`

func (r *repository) GetShipment(ctx context.Context, id uuid.UUID) (Shipment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id=$1`, id)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, shared.ErrNotFound
	}
	return sh, err
}

func (r *repository) GetByTrackingNumber(ctx context.Context, trackingNumber string) (Shipment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE tracking_number=$1`, trackingNumber)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, shared.ErrNotFound
	}
	return sh, err
}

func (r *repository) ListShipments(ctx context.Context, filter ListFilter) ([]Shipment, int, error) {
	page := shared.NewPagination(filter.Page, filter.Per, 0)
	where := `WHERE 1=1`
	args := []any{}
	idx := 1
	add := func(cond string, val any) {
		where += ` AND ` + cond + `$` + strconv.Itoa(idx)
		args = append(args, val)
		idx++
	}
	if filter.Status != nil {
		add(`status=`, *filter.Status)
	}
	if filter.BranchID != nil {
		add(`branch_id=`, *filter.BranchID)
	}
	if filter.DelegateID != nil {
		add(`delegate_id=`, *filter.DelegateID)
	}
	if filter.ShipperID != nil {
		add(`shipper_id=`, *filter.ShipperID)
	}
	if filter.SheetID != nil {
		add(`sheet_id=`, *filter.SheetID)
	}
	if filter.Search != "" {
		add(`tracking_number ILIKE `, "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM shipments `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + shipmentColumns + ` FROM shipments ` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(idx) + ` OFFSET $` + strconv.Itoa(idx+1)
	args = append(args, page.PerPage, page.Offset())
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var shipments []Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, 0, err
		}
		shipments = append(shipments, sh)
	}
	return shipments, total, rows.Err()
}

func (r *repository) ListStatusHistory(ctx context.Context, shipmentID uuid.UUID) ([]StatusChange, error) {
	rows, err := r.db.Query(ctx, `SELECT id, shipment_id, from_status, to_status, actor_id, changed_at
FROM shipment_status_history WHERE shipment_id=$1 ORDER BY changed_at ASC, id ASC`, shipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []StatusChange
	for rows.Next() {
		var c StatusChange
		var actor *uuid.UUID
		if err := rows.Scan(&c.ID, &c.ShipmentID, &c.From, &c.To, &actor, &c.ChangedAt); err != nil {
			return nil, err
		}
		if actor != nil {
			c.ActorID = *actor
		}
		history = append(history, c)
	}
	return history, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetShipmentForUpdate(ctx context.Context, id uuid.UUID) (Shipment, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id=$1 FOR UPDATE`, id)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, shared.ErrNotFound
	}
	return sh, err
}

func (r *txRepository) InsertShipment(ctx context.Context, sh Shipment) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO shipments (id, tracking_number, status, cod_amount, sheet_id, branch_id, delegate_id, shipper_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		sh.ID, sh.TrackingNumber, sh.Status, sh.CODAmount.String(), sh.SheetID, sh.BranchID, sh.DelegateID, sh.ShipperID, sh.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (r *txRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, deliveredAt, returnedAt *time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE shipments
SET status=$2,
    delivered_at=COALESCE(delivered_at, $3),
    returned_at=COALESCE(returned_at, $4),
    updated_at=NOW()
WHERE id=$1`, id, status, deliveredAt, returnedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertStatusChange(ctx context.Context, change StatusChange) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO shipment_status_history (shipment_id, from_status, to_status, actor_id, changed_at)
VALUES ($1,$2,$3,$4,$5)`, change.ShipmentID, change.From, change.To, nullID(change.ActorID), change.ChangedAt)
	return err
}

func (r *txRepository) Ledger() ledger.TxRepository {
	return ledger.NewTxRepository(r.tx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (Shipment, error) {
	var sh Shipment
	var cod string
	err := row.Scan(&sh.ID, &sh.TrackingNumber, &sh.Status, &cod, &sh.SheetID, &sh.BranchID, &sh.DelegateID, &sh.ShipperID, &sh.CreatedAt, &sh.UpdatedAt, &sh.DeliveredAt, &sh.ReturnedAt)
	if err != nil {
		return Shipment{}, err
	}
	sh.CODAmount, err = decimal.NewFromString(cod)
	if err != nil {
		return Shipment{}, err
	}
	return sh, nil
}

func nullID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
