package shipment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-logistics/atlas-core/internal/ledger"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

type memoryRepo struct {
	shipments map[uuid.UUID]Shipment
	history   []StatusChange
	ledger    *memoryLedger
}

type memoryTx struct {
	repo *memoryRepo
}

type memoryLedger struct {
	entries  map[uuid.UUID]ledger.BalanceTransaction
	balances map[string]ledger.AccountBalance
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		shipments: make(map[uuid.UUID]Shipment),
		ledger: &memoryLedger{
			entries:  make(map[uuid.UUID]ledger.BalanceTransaction),
			balances: make(map[string]ledger.AccountBalance),
		},
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetShipment(ctx context.Context, id uuid.UUID) (Shipment, error) {
	if sh, ok := r.shipments[id]; ok {
		return sh, nil
	}
	return Shipment{}, shared.ErrNotFound
}

func (r *memoryRepo) GetByTrackingNumber(ctx context.Context, trackingNumber string) (Shipment, error) {
	for _, sh := range r.shipments {
		if sh.TrackingNumber == trackingNumber {
			return sh, nil
		}
	}
	return Shipment{}, shared.ErrNotFound
}

func (r *memoryRepo) ListShipments(ctx context.Context, filter ListFilter) ([]Shipment, int, error) {
	var out []Shipment
	for _, sh := range r.shipments {
		if filter.Status != nil && sh.Status != *filter.Status {
			continue
		}
		out = append(out, sh)
	}
	return out, len(out), nil
}

func (r *memoryRepo) ListStatusHistory(ctx context.Context, shipmentID uuid.UUID) ([]StatusChange, error) {
	var out []StatusChange
	for _, change := range r.history {
		if change.ShipmentID == shipmentID {
			out = append(out, change)
		}
	}
	return out, nil
}

func (tx *memoryTx) GetShipmentForUpdate(ctx context.Context, id uuid.UUID) (Shipment, error) {
	return tx.repo.GetShipment(ctx, id)
}

func (tx *memoryTx) InsertShipment(ctx context.Context, sh Shipment) error {
	for _, existing := range tx.repo.shipments {
		if existing.TrackingNumber == sh.TrackingNumber {
			return shared.ErrDuplicateEntry
		}
	}
	tx.repo.shipments[sh.ID] = sh
	return nil
}

func (tx *memoryTx) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, deliveredAt, returnedAt *time.Time) error {
	sh, ok := tx.repo.shipments[id]
	if !ok {
		return shared.ErrNotFound
	}
	sh.Status = status
	if deliveredAt != nil && sh.DeliveredAt == nil {
		sh.DeliveredAt = deliveredAt
	}
	if returnedAt != nil && sh.ReturnedAt == nil {
		sh.ReturnedAt = returnedAt
	}
	tx.repo.shipments[id] = sh
	return nil
}

func (tx *memoryTx) InsertStatusChange(ctx context.Context, change StatusChange) error {
	change.ID = int64(len(tx.repo.history) + 1)
	tx.repo.history = append(tx.repo.history, change)
	return nil
}

func (tx *memoryTx) Ledger() ledger.TxRepository {
	return tx.repo.ledger
}

func ledgerOwnerKey(owner ledger.OwnerRef) string {
	return fmt.Sprintf("%s:%s", owner.Kind, owner.ID)
}

func (l *memoryLedger) GetBalanceForUpdate(ctx context.Context, owner ledger.OwnerRef) (ledger.AccountBalance, error) {
	if bal, ok := l.balances[ledgerOwnerKey(owner)]; ok {
		return bal, nil
	}
	return ledger.AccountBalance{}, ledger.ErrBalanceNotFound
}

func (l *memoryLedger) InsertTransaction(ctx context.Context, entry ledger.BalanceTransaction) error {
	if _, ok := l.entries[entry.ID]; ok {
		return shared.ErrDuplicateEntry
	}
	l.entries[entry.ID] = entry
	return nil
}

func (l *memoryLedger) UpsertBalance(ctx context.Context, balance ledger.AccountBalance) error {
	l.balances[ledgerOwnerKey(ledger.OwnerRef{Kind: balance.OwnerKind, ID: balance.OwnerID})] = balance
	return nil
}

type captureDispatcher struct {
	delivered []DeliveredEvent
}

func (d *captureDispatcher) ShipmentDelivered(ctx context.Context, evt DeliveredEvent) error {
	d.delivered = append(d.delivered, evt)
	return nil
}

func seedShipment(repo *memoryRepo, status Status, cod decimal.Decimal, delegateID *uuid.UUID) Shipment {
	sh := Shipment{
		ID:             uuid.New(),
		TrackingNumber: fmt.Sprintf("TRK-%s", uuid.NewString()[:8]),
		Status:         status,
		CODAmount:      cod,
		DelegateID:     delegateID,
		CreatedAt:      time.Now().UTC(),
	}
	repo.shipments[sh.ID] = sh
	return sh
}

func TestDeliveryCreditsDelegateCOD(t *testing.T) {
	repo := newMemoryRepo()
	events := &captureDispatcher{}
	svc := NewService(repo, nil, events)
	ctx := context.Background()

	delegateID := uuid.New()
	sh := seedShipment(repo, StatusOutForDelivery, decimal.NewFromInt(150), &delegateID)

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusDelivered,
		ActorID:     uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{sh.ID}, result.Applied)
	require.Empty(t, result.Rejected)

	got := repo.shipments[sh.ID]
	require.Equal(t, StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)

	owner := ledger.OwnerRef{Kind: ledger.OwnerKindDelegate, ID: delegateID}
	bal, err := repo.ledger.GetBalanceForUpdate(ctx, owner)
	require.NoError(t, err)
	require.True(t, bal.Balance.Equal(decimal.NewFromInt(150)), "balance %s", bal.Balance)

	require.Len(t, repo.ledger.entries, 1)
	for _, entry := range repo.ledger.entries {
		require.Equal(t, ledger.TransactionTypeCollection, entry.Type)
		require.Equal(t, sh.TrackingNumber, entry.ReferenceNumber)
	}

	require.Len(t, events.delivered, 1)
	require.Equal(t, sh.ID, events.delivered[0].ShipmentID)
	require.True(t, events.delivered[0].CODAmount.Equal(decimal.NewFromInt(150)))
}

func TestDeliveryWithoutCODPostsNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	delegateID := uuid.New()
	sh := seedShipment(repo, StatusOutForDelivery, decimal.Zero, &delegateID)

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusDelivered,
	})
	require.NoError(t, err)
	require.Len(t, result.Applied, 1)
	require.Empty(t, repo.ledger.entries)
}

func TestDeliveryWithCODRequiresDelegate(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	sh := seedShipment(repo, StatusOutForDelivery, decimal.NewFromInt(75), nil)

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusDelivered,
	})
	require.NoError(t, err)
	require.Empty(t, result.Applied)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, StatusOutForDelivery, result.Rejected[0].CurrentStatus)

	require.Equal(t, StatusOutForDelivery, repo.shipments[sh.ID].Status)
	require.Empty(t, repo.ledger.entries)
}

func TestBulkTransitionPartialSuccess(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	delegateID := uuid.New()
	legal := seedShipment(repo, StatusOutForDelivery, decimal.NewFromInt(50), &delegateID)
	illegal := seedShipment(repo, StatusPending, decimal.Zero, nil)
	missing := uuid.New()

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{legal.ID, illegal.ID, missing},
		Target:      StatusDelivered,
	})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{legal.ID}, result.Applied)
	require.Len(t, result.Rejected, 2)
	require.Equal(t, illegal.ID, result.Rejected[0].ShipmentID)
	require.Equal(t, StatusPending, result.Rejected[0].CurrentStatus)
	require.Equal(t, missing, result.Rejected[1].ShipmentID)

	require.Equal(t, StatusDelivered, repo.shipments[legal.ID].Status)
	require.Equal(t, StatusPending, repo.shipments[illegal.ID].Status)
}

func TestAtomicTransitionRejectsWholeBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	illegal := seedShipment(repo, StatusPending, decimal.Zero, nil)
	legal := seedShipment(repo, StatusOutForDelivery, decimal.Zero, nil)

	_, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{illegal.ID, legal.ID},
		Target:      StatusDelivered,
		Atomic:      true,
	})
	require.Error(t, err)
	var inv *shared.InvariantViolation
	require.ErrorAs(t, err, &inv)
	require.Equal(t, "illegal_transition", inv.Rule)

	require.Equal(t, StatusOutForDelivery, repo.shipments[legal.ID].Status)
	require.Empty(t, repo.history)
}

func TestTransitionRecordsStatusHistory(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	actor := uuid.New()

	sh := seedShipment(repo, StatusPending, decimal.Zero, nil)

	_, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusTransit,
		ActorID:     actor,
	})
	require.NoError(t, err)
	_, err = svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusOutForDelivery,
		ActorID:     actor,
	})
	require.NoError(t, err)

	history, err := svc.ListStatusHistory(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, StatusPending, history[0].From)
	require.Equal(t, StatusTransit, history[0].To)
	require.Equal(t, StatusTransit, history[1].From)
	require.Equal(t, StatusOutForDelivery, history[1].To)
	require.Equal(t, actor, history[1].ActorID)
}

func TestReturnStampsReturnedAt(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	sh := seedShipment(repo, StatusOutForDelivery, decimal.NewFromInt(30), nil)

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusReturned,
	})
	require.NoError(t, err)
	require.Len(t, result.Applied, 1)

	got := repo.shipments[sh.ID]
	require.Equal(t, StatusReturned, got.Status)
	require.NotNil(t, got.ReturnedAt)
	require.Nil(t, got.DeliveredAt)
	require.Empty(t, repo.ledger.entries, "returns must not touch the ledger")
}

func TestCreateShipment(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	sh, err := svc.CreateShipment(ctx, CreateInput{
		TrackingNumber: "TRK-1001",
		CODAmount:      decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, sh.Status)
	require.NotEqual(t, uuid.Nil, sh.ID)

	_, err = svc.CreateShipment(ctx, CreateInput{TrackingNumber: "TRK-1001"})
	var inv *shared.InvariantViolation
	require.ErrorAs(t, err, &inv)
	require.Equal(t, "unique_tracking_number", inv.Rule)

	_, err = svc.CreateShipment(ctx, CreateInput{TrackingNumber: "  "})
	var ve *shared.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = svc.CreateShipment(ctx, CreateInput{
		TrackingNumber: "TRK-1002",
		CODAmount:      decimal.NewFromInt(-5),
	})
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "cod_amount", ve.Field)
}

// flakyRepo fails every transaction with a serialization error until it runs
// out of failures, then delegates to the wrapped repo.
type flakyRepo struct {
	*memoryRepo
	failures int
	attempts int
}

func (r *flakyRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.attempts++
	if r.failures > 0 {
		r.failures--
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	return r.memoryRepo.WithTx(ctx, fn)
}

func TestTransitionRetriesSerializationFailure(t *testing.T) {
	repo := &flakyRepo{memoryRepo: newMemoryRepo(), failures: 2}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	sh := seedShipment(repo.memoryRepo, StatusPending, decimal.Zero, nil)

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusTransit,
	})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{sh.ID}, result.Applied)
	require.Equal(t, 3, repo.attempts)
	require.Equal(t, StatusTransit, repo.shipments[sh.ID].Status)
}

func TestExhaustedConflictBecomesRejectionNotError(t *testing.T) {
	repo := &flakyRepo{memoryRepo: newMemoryRepo(), failures: 100}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	sh := seedShipment(repo.memoryRepo, StatusPending, decimal.Zero, nil)

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{sh.ID},
		Target:      StatusTransit,
	})
	require.NoError(t, err)
	require.Empty(t, result.Applied)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, sh.ID, result.Rejected[0].ShipmentID)
	require.Equal(t, "concurrent conflicting write", result.Rejected[0].Reason)
	require.Equal(t, StatusPending, repo.shipments[sh.ID].Status)
}

// faultyRepo lets a fixed number of transactions through, then fails with an
// infrastructure error.
type faultyRepo struct {
	*memoryRepo
	remaining int
}

func (r *faultyRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.remaining <= 0 {
		return &shared.StoreUnavailable{Op: "shipment.begin", Err: errors.New("connection refused")}
	}
	r.remaining--
	return r.memoryRepo.WithTx(ctx, fn)
}

func TestMidBatchFailureKeepsDeliveredEvents(t *testing.T) {
	repo := &faultyRepo{memoryRepo: newMemoryRepo(), remaining: 1}
	events := &captureDispatcher{}
	svc := NewService(repo, nil, events)
	ctx := context.Background()

	delegateID := uuid.New()
	first := seedShipment(repo.memoryRepo, StatusOutForDelivery, decimal.NewFromInt(40), &delegateID)
	second := seedShipment(repo.memoryRepo, StatusOutForDelivery, decimal.NewFromInt(60), &delegateID)

	result, err := svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{first.ID, second.ID},
		Target:      StatusDelivered,
	})
	var unavailable *shared.StoreUnavailable
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, []uuid.UUID{first.ID}, result.Applied)

	// The first shipment committed before the failure; its notification
	// must already be out.
	require.Len(t, events.delivered, 1)
	require.Equal(t, first.ID, events.delivered[0].ShipmentID)
	require.Equal(t, StatusDelivered, repo.shipments[first.ID].Status)
	require.Equal(t, StatusOutForDelivery, repo.shipments[second.ID].Status)
}

func TestTransitionInputValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	var ve *shared.ValidationError
	_, err := svc.ApplyTransition(ctx, TransitionInput{Target: StatusTransit})
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "shipment_ids", ve.Field)

	_, err = svc.ApplyTransition(ctx, TransitionInput{
		ShipmentIDs: []uuid.UUID{uuid.New()},
		Target:      Status("warp"),
	})
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "target_status", ve.Field)
}
