package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/atlas-logistics/atlas-core/internal/inventory"
	"github.com/atlas-logistics/atlas-core/internal/ledger"
	"github.com/atlas-logistics/atlas-core/internal/shipment"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskShipmentDelivered notifies downstream consumers of a delivery.
	TaskShipmentDelivered = "notify:shipment_delivered"
	// TaskTransactionPosted notifies downstream consumers of a ledger post.
	TaskTransactionPosted = "notify:transaction_posted"
	// TaskInventoryClosed notifies downstream consumers of a closed count.
	TaskInventoryClosed = "notify:inventory_closed"
	// TaskBalanceIntegrity rechecks balances against their ledger sums.
	TaskBalanceIntegrity = "ledger:integrity_scan"
)

// NewShipmentDeliveredTask constructs an Asynq task for a delivery event.
func NewShipmentDeliveredTask(evt shipment.DeliveredEvent) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskShipmentDelivered, data), nil
}

// NewTransactionPostedTask constructs an Asynq task for a posting event.
func NewTransactionPostedTask(evt ledger.TransactionPostedEvent) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransactionPosted, data), nil
}

// NewInventoryClosedTask constructs an Asynq task for a closed count event.
func NewInventoryClosedTask(evt inventory.ClosedEvent) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryClosed, data), nil
}

// NewBalanceIntegrityTask constructs the periodic integrity scan task.
func NewBalanceIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskBalanceIntegrity, nil)
}

// Dispatcher enqueues domain events as background tasks. It satisfies the
// EventDispatcher ports of the domain services.
type Dispatcher struct {
	client *Client
}

// NewDispatcher wraps an Asynq client as an event dispatcher.
func NewDispatcher(client *Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// ShipmentDelivered enqueues a delivery notification.
func (d *Dispatcher) ShipmentDelivered(ctx context.Context, evt shipment.DeliveredEvent) error {
	task, err := NewShipmentDeliveredTask(evt)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

// TransactionPosted enqueues a posting notification.
func (d *Dispatcher) TransactionPosted(ctx context.Context, evt ledger.TransactionPostedEvent) error {
	task, err := NewTransactionPostedTask(evt)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

// InventoryClosed enqueues a closed-count notification.
func (d *Dispatcher) InventoryClosed(ctx context.Context, evt inventory.ClosedEvent) error {
	task, err := NewInventoryClosedTask(evt)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task)
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task) error {
	if d == nil || d.client == nil {
		return nil
	}
	_, err := d.client.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}
