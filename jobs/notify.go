package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/atlas-logistics/atlas-core/internal/inventory"
	"github.com/atlas-logistics/atlas-core/internal/ledger"
	"github.com/atlas-logistics/atlas-core/internal/shipment"
)

// dedupeTTL bounds how long a delivered notification suppresses replays.
const dedupeTTL = 24 * time.Hour

// NotifyJob fans committed domain events out to operators. Queue delivery
// is at-least-once, so each event id is claimed in redis before any side
// effect runs.
type NotifyJob struct {
	Redis  *redis.Client
	Logger *slog.Logger
}

// NewNotifyJob initialises the notification handler.
func NewNotifyJob(rdb *redis.Client, logger *slog.Logger) *NotifyJob {
	return &NotifyJob{Redis: rdb, Logger: logger}
}

// HandleShipmentDelivered processes TaskShipmentDelivered tasks.
func (j *NotifyJob) HandleShipmentDelivered(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("notify: handler not configured")
	}
	var evt shipment.DeliveredEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	fresh, err := j.claim(ctx, "notify:dedupe:delivered:"+evt.ShipmentID.String())
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	j.Logger.Info("shipment delivered",
		slog.String("shipment_id", evt.ShipmentID.String()),
		slog.String("tracking_number", evt.TrackingNumber),
		slog.String("cod_amount", evt.CODAmount.String()))
	return nil
}

// HandleTransactionPosted processes TaskTransactionPosted tasks.
func (j *NotifyJob) HandleTransactionPosted(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("notify: handler not configured")
	}
	var evt ledger.TransactionPostedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	fresh, err := j.claim(ctx, "notify:dedupe:posted:"+evt.TransactionID.String())
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	j.Logger.Info("transaction posted",
		slog.String("transaction_id", evt.TransactionID.String()),
		slog.String("type", string(evt.Type)),
		slog.String("owner_kind", string(evt.OwnerKind)),
		slog.String("amount", evt.Amount.String()),
		slog.String("balance", evt.Balance.String()))
	return nil
}

// HandleInventoryClosed processes TaskInventoryClosed tasks.
func (j *NotifyJob) HandleInventoryClosed(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("notify: handler not configured")
	}
	var evt inventory.ClosedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	fresh, err := j.claim(ctx, "notify:dedupe:inventory:"+evt.InventoryID.String())
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	level := slog.LevelInfo
	if evt.Discrepancy != 0 {
		level = slog.LevelWarn
	}
	j.Logger.Log(ctx, level, "inventory count closed",
		slog.String("inventory_id", evt.InventoryID.String()),
		slog.String("branch_id", evt.BranchID.String()),
		slog.Int("total_items", evt.TotalItems),
		slog.Int("counted_items", evt.CountedItems),
		slog.Int("discrepancy", evt.Discrepancy))
	return nil
}

// claim reports whether this process is the first to see the event. Redis
// being down fails the task so Asynq retries it later.
func (j *NotifyJob) claim(ctx context.Context, key string) (bool, error) {
	if j.Redis == nil {
		return true, nil
	}
	return j.Redis.SetNX(ctx, key, 1, dedupeTTL).Result()
}
