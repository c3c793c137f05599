package inventory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CountStatus is the lifecycle state of a physical count.
type CountStatus string

const (
	CountInProgress CountStatus = "in_progress"
	CountCompleted  CountStatus = "completed"
	CountCancelled  CountStatus = "cancelled"
)

// IsValid checks whether the count status is known.
func (s CountStatus) IsValid() bool {
	switch s {
	case CountInProgress, CountCompleted, CountCancelled:
		return true
	}
	return false
}

// LogStatus classifies one scanned or reconciled shipment.
type LogStatus string

const (
	LogMatched LogStatus = "matched"
	LogMissing LogStatus = "missing"
	LogExtra   LogStatus = "extra"
)

// InventoryCount is one reconciliation run against a branch. The expected
// set is snapshotted at start so shipments arriving mid-count do not shift
// the baseline.
type InventoryCount struct {
	ID           uuid.UUID   `json:"id"`
	BranchID     uuid.UUID   `json:"branch_id"`
	CountDate    time.Time   `json:"count_date"`
	Status       CountStatus `json:"status"`
	TotalItems   int         `json:"total_items"`
	CountedItems int         `json:"counted_items"`
	Discrepancy  int         `json:"discrepancy"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
}

// LogEntry is the classification of one shipment within a count.
type LogEntry struct {
	ID          int64     `json:"id"`
	InventoryID uuid.UUID `json:"inventory_id"`
	ShipmentID  uuid.UUID `json:"shipment_id"`
	Status      LogStatus `json:"status"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// ListFilter narrows count listings.
type ListFilter struct {
	BranchID *uuid.UUID
	Status   *CountStatus
	Page     int
	Per      int
}

// DuplicateScanError rejects a second scan of the same shipment, carrying
// the entry it collides with.
type DuplicateScanError struct {
	InventoryID uuid.UUID
	Entry       LogEntry
}

func (e *DuplicateScanError) Error() string {
	return fmt.Sprintf("inventory %s: shipment %s already recorded as %s",
		e.InventoryID, e.Entry.ShipmentID, e.Entry.Status)
}

// ClosedEvent is emitted after a count commits into completed state.
type ClosedEvent struct {
	InventoryID  uuid.UUID `json:"inventory_id"`
	BranchID     uuid.UUID `json:"branch_id"`
	TotalItems   int       `json:"total_items"`
	CountedItems int       `json:"counted_items"`
	Discrepancy  int       `json:"discrepancy"`
	ClosedAt     time.Time `json:"closed_at"`
}
