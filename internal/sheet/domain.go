package sheet

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/shipment"
)

// Type classifies the batch a sheet represents.
type Type string

const (
	TypePickup   Type = "pickup"
	TypeCourier  Type = "courier"
	TypeReturned Type = "returned"
)

// IsValid checks whether the sheet type is known.
func (t Type) IsValid() bool {
	switch t {
	case TypePickup, TypeCourier, TypeReturned:
		return true
	}
	return false
}

// Status is the lifecycle state of a sheet.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsValid checks whether the sheet status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Sheet is a delegate-owned batch of shipments. Its counts and COD total
// are derived from the member shipments, never stored.
type Sheet struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Type       Type       `json:"sheet_type"`
	DelegateID uuid.UUID  `json:"delegate_id"`
	StoreID    *uuid.UUID `json:"store_id,omitempty"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Summary is recomputed on every read from current member rows.
type Summary struct {
	SheetID        uuid.UUID               `json:"sheet_id"`
	TotalShipments int                     `json:"total_shipments"`
	StatusCounts   map[shipment.Status]int `json:"status_counts"`
	DeliveredCount int                     `json:"delivered_count"`
	PendingCount   int                     `json:"pending_count"`
	TotalCOD       decimal.Decimal         `json:"total_cod"`
}

// CreateInput describes a new sheet and its initial members.
type CreateInput struct {
	Name        string
	Type        Type
	DelegateID  uuid.UUID
	StoreID     *uuid.UUID
	ShipmentIDs []uuid.UUID
	ActorID     uuid.UUID
}

// ListFilter narrows sheet listings.
type ListFilter struct {
	DelegateID *uuid.UUID
	StoreID    *uuid.UUID
	Status     *Status
	Type       *Type
	Page       int
	Per        int
}

// IncompleteSheetError rejects completion while members are still open.
type IncompleteSheetError struct {
	SheetID       uuid.UUID
	OpenShipments []uuid.UUID
}

func (e *IncompleteSheetError) Error() string {
	ids := make([]string, len(e.OpenShipments))
	for i, id := range e.OpenShipments {
		ids[i] = id.String()
	}
	return fmt.Sprintf("sheet %s has %d open shipments: %s", e.SheetID, len(e.OpenShipments), strings.Join(ids, ", "))
}

// settled reports whether a shipment no longer needs field work from the
// sheet's point of view. A returned shipment counts as settled even before
// warehouse intake confirms it.
func settled(s shipment.Status) bool {
	return s.IsTerminal() || s == shipment.StatusReturned
}
