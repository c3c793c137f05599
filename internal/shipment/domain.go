package shipment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the operational state of a shipment. The transition
// graph below is the single source of truth; presentation label maps are a
// stateless lookup against this type.
type Status string

const (
	StatusPending             Status = "pending"
	StatusPickupRequested     Status = "pickup_requested"
	StatusTransit             Status = "transit"
	StatusOutForDelivery      Status = "out_for_delivery"
	StatusDelayed             Status = "delayed"
	StatusToWarehouse         Status = "to_warehouse"
	StatusToBranch            Status = "to_branch"
	StatusDelivered           Status = "delivered"
	StatusReturned            Status = "returned"
	StatusReturnedToWarehouse Status = "returned_to_warehouse"
	StatusCancelled           Status = "cancelled"
)

// transitions declares the legal successors of each status. Statuses with no
// successors are terminal.
var transitions = map[Status][]Status{
	StatusPending:             {StatusTransit, StatusPickupRequested, StatusCancelled},
	StatusPickupRequested:     {StatusTransit, StatusCancelled},
	StatusTransit:             {StatusOutForDelivery, StatusDelayed, StatusToWarehouse, StatusToBranch},
	StatusOutForDelivery:      {StatusDelivered, StatusDelayed, StatusReturned},
	StatusDelayed:             {StatusTransit, StatusOutForDelivery, StatusReturned},
	StatusToWarehouse:         {StatusTransit},
	StatusToBranch:            {StatusTransit},
	StatusReturned:            {StatusReturnedToWarehouse},
	StatusDelivered:           nil,
	StatusCancelled:           nil,
	StatusReturnedToWarehouse: nil,
}

// IsValid checks whether the status is part of the graph.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	succ, ok := transitions[s]
	return ok && len(succ) == 0
}

// CanTransition reports whether target is a declared successor of s.
func (s Status) CanTransition(target Status) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Successors returns the declared successors of s.
func (s Status) Successors() []Status {
	succ := transitions[s]
	out := make([]Status, len(succ))
	copy(out, succ)
	return out
}

var statusLabels = map[Status]string{
	StatusPending:             "Pending",
	StatusPickupRequested:     "Pickup Requested",
	StatusTransit:             "In Transit",
	StatusOutForDelivery:      "Out for Delivery",
	StatusDelayed:             "Delayed",
	StatusToWarehouse:         "Returning to Warehouse",
	StatusToBranch:            "Returning to Branch",
	StatusDelivered:           "Delivered",
	StatusReturned:            "Returned",
	StatusReturnedToWarehouse: "Returned to Warehouse",
	StatusCancelled:           "Cancelled",
}

// Label returns the human-facing name for the status.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// Shipment is the registry record for one parcel.
type Shipment struct {
	ID             uuid.UUID       `json:"id"`
	TrackingNumber string          `json:"tracking_number"`
	Status         Status          `json:"status"`
	CODAmount      decimal.Decimal `json:"cod_amount"`
	SheetID        *uuid.UUID      `json:"sheet_id,omitempty"`
	BranchID       *uuid.UUID      `json:"branch_id,omitempty"`
	DelegateID     *uuid.UUID      `json:"delegate_id,omitempty"`
	ShipperID      *uuid.UUID      `json:"shipper_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	ReturnedAt     *time.Time      `json:"returned_at,omitempty"`
}

// StatusChange is one row of a shipment's status history.
type StatusChange struct {
	ID         int64     `json:"id"`
	ShipmentID uuid.UUID `json:"shipment_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	ActorID    uuid.UUID `json:"actor_id,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// CreateInput describes a new shipment registration.
type CreateInput struct {
	TrackingNumber string
	CODAmount      decimal.Decimal
	BranchID       *uuid.UUID
	DelegateID     *uuid.UUID
	ShipperID      *uuid.UUID
	ActorID        uuid.UUID
}

// TransitionInput describes a bulk status change request. With Atomic set,
// one illegal shipment rejects the whole batch; otherwise each shipment is
// its own transaction boundary and partial success is reported.
type TransitionInput struct {
	ShipmentIDs []uuid.UUID
	Target      Status
	Atomic      bool
	ActorID     uuid.UUID
}

// Rejection explains why one shipment was not transitioned.
type Rejection struct {
	ShipmentID    uuid.UUID `json:"shipment_id"`
	CurrentStatus Status    `json:"current_status"`
	Reason        string    `json:"reason"`
}

// TransitionResult reports per-shipment outcomes of a bulk transition.
type TransitionResult struct {
	Applied  []uuid.UUID `json:"applied"`
	Rejected []Rejection `json:"rejected"`
}

// ListFilter narrows shipment listings.
type ListFilter struct {
	Status     *Status
	BranchID   *uuid.UUID
	DelegateID *uuid.UUID
	ShipperID  *uuid.UUID
	SheetID    *uuid.UUID
	Search     string
	Page       int
	Per        int
}

// DeliveredEvent is emitted after a shipment commits into delivered state.
type DeliveredEvent struct {
	ShipmentID     uuid.UUID       `json:"shipment_id"`
	TrackingNumber string          `json:"tracking_number"`
	DelegateID     *uuid.UUID      `json:"delegate_id,omitempty"`
	CODAmount      decimal.Decimal `json:"cod_amount"`
	DeliveredAt    time.Time       `json:"delivered_at"`
}
