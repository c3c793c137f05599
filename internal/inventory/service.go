package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventDispatcher hands committed closings to the notification pipeline.
type EventDispatcher interface {
	InventoryClosed(ctx context.Context, evt ClosedEvent) error
}

// Service runs branch inventory counts against the shipment registry.
type Service struct {
	repo     Repository
	audit    AuditPort
	events   EventDispatcher
	attempts int
	now      func() time.Time
}

// NewService constructs the inventory service.
func NewService(repo Repository, audit AuditPort, events EventDispatcher) *Service {
	return &Service{repo: repo, audit: audit, events: events, attempts: shared.DefaultTxAttempts, now: time.Now}
}

// StartCount opens a count for a branch, snapshotting its open shipments
// as the expected set.
func (s *Service) StartCount(ctx context.Context, branchID uuid.UUID, countDate time.Time, actorID uuid.UUID) (InventoryCount, error) {
	if branchID == uuid.Nil {
		return InventoryCount{}, shared.NewValidationError("branch_id", "required")
	}
	if countDate.IsZero() {
		countDate = s.now()
	}
	count := InventoryCount{
		ID:        uuid.New(),
		BranchID:  branchID,
		CountDate: countDate.UTC(),
		Status:    CountInProgress,
		CreatedAt: s.now().UTC(),
	}
	count.UpdatedAt = count.CreatedAt

	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.InsertCount(ctx, count); err != nil {
				return err
			}
			total, err := tx.SnapshotExpected(ctx, count.ID, branchID)
			if err != nil {
				return err
			}
			count.TotalItems = total
			return tx.SetTotalItems(ctx, count.ID, total)
		})
	})
	if err != nil {
		return InventoryCount{}, err
	}
	s.record(ctx, actorID, "inventory.start", count.ID, map[string]any{
		"branch_id":   branchID.String(),
		"total_items": count.TotalItems,
	})
	return count, nil
}

// RecordCount classifies one physical scan. Expected shipments match,
// unexpected ones are extras, and a second scan of either is rejected with
// the entry it collides with.
func (s *Service) RecordCount(ctx context.Context, inventoryID, shipmentID uuid.UUID, actorID uuid.UUID) (LogEntry, error) {
	if inventoryID == uuid.Nil {
		return LogEntry{}, shared.NewValidationError("inventory_id", "required")
	}
	if shipmentID == uuid.Nil {
		return LogEntry{}, shared.NewValidationError("shipment_id", "required")
	}
	var entry LogEntry
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			count, err := tx.GetCountForUpdate(ctx, inventoryID)
			if err != nil {
				return err
			}
			if count.Status != CountInProgress {
				return &shared.InvariantViolation{
					Rule:    "count_in_progress",
					Current: string(count.Status),
					Detail:  "scans are only accepted while the count is in progress",
				}
			}
			if existing, err := tx.GetLogEntry(ctx, inventoryID, shipmentID); err == nil {
				return &DuplicateScanError{InventoryID: inventoryID, Entry: existing}
			} else if !errors.Is(err, shared.ErrNotFound) {
				return err
			}
			expected, err := tx.IsExpected(ctx, inventoryID, shipmentID)
			if err != nil {
				return err
			}
			status := LogExtra
			if expected {
				status = LogMatched
			}
			entry, err = tx.InsertLogEntry(ctx, LogEntry{
				InventoryID: inventoryID,
				ShipmentID:  shipmentID,
				Status:      status,
				RecordedAt:  s.now().UTC(),
			})
			if err != nil {
				return err
			}
			if status == LogMatched {
				return tx.IncrementCounted(ctx, inventoryID)
			}
			return nil
		})
	})
	if err != nil {
		return LogEntry{}, err
	}
	return entry, nil
}

// CloseCount reconciles the count: every expected shipment never scanned
// becomes missing, and the discrepancy is counted minus expected. Closed
// counts accept no further scans.
func (s *Service) CloseCount(ctx context.Context, inventoryID uuid.UUID, actorID uuid.UUID) (InventoryCount, error) {
	var closed InventoryCount
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			count, err := tx.GetCountForUpdate(ctx, inventoryID)
			if err != nil {
				return err
			}
			if count.Status != CountInProgress {
				return &shared.InvariantViolation{
					Rule:    "count_in_progress",
					Current: string(count.Status),
					Detail:  "only an in-progress count can be closed",
				}
			}
			now := s.now().UTC()
			if _, err := tx.InsertMissingEntries(ctx, inventoryID, now); err != nil {
				return err
			}
			discrepancy := count.CountedItems - count.TotalItems
			if err := tx.CloseCount(ctx, inventoryID, CountCompleted, discrepancy, now); err != nil {
				return err
			}
			closed = count
			closed.Status = CountCompleted
			closed.Discrepancy = discrepancy
			closed.UpdatedAt = now
			closed.ClosedAt = &now
			return nil
		})
	})
	if err != nil {
		return InventoryCount{}, err
	}
	s.record(ctx, actorID, "inventory.close", inventoryID, map[string]any{
		"discrepancy": closed.Discrepancy,
	})
	if s.events != nil {
		_ = s.events.InventoryClosed(ctx, ClosedEvent{
			InventoryID:  closed.ID,
			BranchID:     closed.BranchID,
			TotalItems:   closed.TotalItems,
			CountedItems: closed.CountedItems,
			Discrepancy:  closed.Discrepancy,
			ClosedAt:     *closed.ClosedAt,
		})
	}
	return closed, nil
}

// CancelCount abandons an in-progress count without reconciling it.
func (s *Service) CancelCount(ctx context.Context, inventoryID uuid.UUID, actorID uuid.UUID) error {
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			count, err := tx.GetCountForUpdate(ctx, inventoryID)
			if err != nil {
				return err
			}
			if count.Status != CountInProgress {
				return &shared.InvariantViolation{
					Rule:    "count_in_progress",
					Current: string(count.Status),
					Detail:  "only an in-progress count can be cancelled",
				}
			}
			return tx.CloseCount(ctx, inventoryID, CountCancelled, 0, s.now().UTC())
		})
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "inventory.cancel", inventoryID, nil)
	return nil
}

// GetCount retrieves a count with its log entries.
func (s *Service) GetCount(ctx context.Context, id uuid.UUID) (InventoryCount, []LogEntry, error) {
	if id == uuid.Nil {
		return InventoryCount{}, nil, shared.NewValidationError("id", "required")
	}
	count, err := s.repo.GetCount(ctx, id)
	if err != nil {
		return InventoryCount{}, nil, err
	}
	entries, err := s.repo.ListLogEntries(ctx, id)
	if err != nil {
		return InventoryCount{}, nil, err
	}
	return count, entries, nil
}

// ListCounts returns a paginated, filtered listing.
func (s *Service) ListCounts(ctx context.Context, filter ListFilter) ([]InventoryCount, int, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, 0, shared.NewValidationError("status", fmt.Sprintf("unknown status %q", *filter.Status))
	}
	return s.repo.ListCounts(ctx, filter)
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action string, countID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory_count",
		EntityID: countID.String(),
		Meta:     meta,
		At:       s.now(),
	})
}
