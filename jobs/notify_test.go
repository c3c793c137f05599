package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-logistics/atlas-core/internal/inventory"
	"github.com/atlas-logistics/atlas-core/internal/ledger"
	"github.com/atlas-logistics/atlas-core/internal/shipment"
)

func newTestNotifyJob(t *testing.T) (*NotifyJob, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewNotifyJob(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestHandleShipmentDeliveredDedupes(t *testing.T) {
	job, mr := newTestNotifyJob(t)
	ctx := context.Background()

	evt := shipment.DeliveredEvent{
		ShipmentID:     uuid.New(),
		TrackingNumber: "TRK-42",
		CODAmount:      decimal.NewFromInt(150),
		DeliveredAt:    time.Now().UTC(),
	}
	task, err := NewShipmentDeliveredTask(evt)
	require.NoError(t, err)

	require.NoError(t, job.HandleShipmentDelivered(ctx, task))
	require.True(t, mr.Exists("notify:dedupe:delivered:"+evt.ShipmentID.String()))

	// Redelivery of the same event is swallowed, not an error.
	require.NoError(t, job.HandleShipmentDelivered(ctx, task))
}

func TestHandleTransactionPostedMalformedPayloadSkipsRetry(t *testing.T) {
	job, _ := newTestNotifyJob(t)
	task := asynq.NewTask(TaskTransactionPosted, []byte("{not json"))
	err := job.HandleTransactionPosted(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTransactionPosted(t *testing.T) {
	job, mr := newTestNotifyJob(t)
	ctx := context.Background()

	evt := ledger.TransactionPostedEvent{
		TransactionID: uuid.New(),
		Type:          ledger.TransactionTypeCollection,
		OwnerKind:     ledger.OwnerKindDelegate,
		OwnerID:       uuid.New(),
		Amount:        decimal.NewFromInt(150),
		Balance:       decimal.NewFromInt(150),
		PostedAt:      time.Now().UTC(),
	}
	task, err := NewTransactionPostedTask(evt)
	require.NoError(t, err)

	require.NoError(t, job.HandleTransactionPosted(ctx, task))
	require.True(t, mr.Exists("notify:dedupe:posted:"+evt.TransactionID.String()))
}

func TestHandleInventoryClosed(t *testing.T) {
	job, mr := newTestNotifyJob(t)
	ctx := context.Background()

	evt := inventory.ClosedEvent{
		InventoryID: uuid.New(),
		BranchID:    uuid.New(),
		TotalItems:  3,
		Discrepancy: -2,
		ClosedAt:    time.Now().UTC(),
	}
	task, err := NewInventoryClosedTask(evt)
	require.NoError(t, err)

	require.NoError(t, job.HandleInventoryClosed(ctx, task))
	require.True(t, mr.Exists("notify:dedupe:inventory:"+evt.InventoryID.String()))
	require.NoError(t, job.HandleInventoryClosed(ctx, task))
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	evt := shipment.DeliveredEvent{
		ShipmentID:     uuid.New(),
		TrackingNumber: "TRK-7",
		CODAmount:      decimal.NewFromInt(20),
	}
	task, err := NewShipmentDeliveredTask(evt)
	require.NoError(t, err)
	require.Equal(t, TaskShipmentDelivered, task.Type())

	var decoded shipment.DeliveredEvent
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, evt.ShipmentID, decoded.ShipmentID)
	require.True(t, decoded.CODAmount.Equal(evt.CODAmount))
}
