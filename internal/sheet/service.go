package sheet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages sheet lifecycle and membership.
type Service struct {
	repo     Repository
	audit    AuditPort
	attempts int
	now      func() time.Time
}

// NewService constructs the sheet service.
func NewService(repo Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, attempts: shared.DefaultTxAttempts, now: time.Now}
}

// CreateSheet creates a sheet and claims its initial members atomically.
// Any shipment already on a sheet rejects the whole call, nothing is
// silently reassigned.
func (s *Service) CreateSheet(ctx context.Context, in CreateInput) (Sheet, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Sheet{}, shared.NewValidationError("name", "required")
	}
	if !in.Type.IsValid() {
		return Sheet{}, shared.NewValidationError("sheet_type", fmt.Sprintf("unknown sheet type %q", in.Type))
	}
	if in.DelegateID == uuid.Nil {
		return Sheet{}, shared.NewValidationError("delegate_id", "required")
	}
	if len(in.ShipmentIDs) == 0 {
		return Sheet{}, shared.NewValidationError("shipment_ids", "must not be empty")
	}

	sh := Sheet{
		ID:         uuid.New(),
		Name:       strings.TrimSpace(in.Name),
		Type:       in.Type,
		DelegateID: in.DelegateID,
		StoreID:    in.StoreID,
		Status:     StatusActive,
		CreatedAt:  s.now().UTC(),
	}
	sh.UpdatedAt = sh.CreatedAt

	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.InsertSheet(ctx, sh); err != nil {
				return err
			}
			return s.assignMembers(ctx, tx, sh.ID, in.ShipmentIDs)
		})
	})
	if err != nil {
		return Sheet{}, err
	}
	s.record(ctx, in.ActorID, "sheet.create", sh.ID, map[string]any{
		"sheet_type": string(sh.Type),
		"members":    len(in.ShipmentIDs),
	})
	return sh, nil
}

// AddShipments claims more members for an active sheet.
func (s *Service) AddShipments(ctx context.Context, sheetID uuid.UUID, shipmentIDs []uuid.UUID, actorID uuid.UUID) error {
	if len(shipmentIDs) == 0 {
		return shared.NewValidationError("shipment_ids", "must not be empty")
	}
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sh, err := tx.GetSheetForUpdate(ctx, sheetID)
			if err != nil {
				return err
			}
			if sh.Status != StatusActive {
				return &shared.InvariantViolation{
					Rule:    "sheet_active",
					Current: string(sh.Status),
					Detail:  "members can only change while the sheet is active",
				}
			}
			return s.assignMembers(ctx, tx, sheetID, shipmentIDs)
		})
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "sheet.add_shipments", sheetID, map[string]any{"members": len(shipmentIDs)})
	return nil
}

// RemoveShipment releases one member of an active sheet.
func (s *Service) RemoveShipment(ctx context.Context, sheetID, shipmentID uuid.UUID, actorID uuid.UUID) error {
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sh, err := tx.GetSheetForUpdate(ctx, sheetID)
			if err != nil {
				return err
			}
			if sh.Status != StatusActive {
				return &shared.InvariantViolation{
					Rule:    "sheet_active",
					Current: string(sh.Status),
					Detail:  "members can only change while the sheet is active",
				}
			}
			affected, err := tx.ReleaseShipment(ctx, sheetID, shipmentID)
			if err != nil {
				return err
			}
			if affected == 0 {
				return shared.ErrNotFound
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "sheet.remove_shipment", sheetID, map[string]any{"shipment_id": shipmentID.String()})
	return nil
}

// CompleteSheet closes a sheet once every member has settled. The open
// member IDs ride along on the rejection so the operator can chase them.
func (s *Service) CompleteSheet(ctx context.Context, sheetID uuid.UUID, actorID uuid.UUID) error {
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sh, err := tx.GetSheetForUpdate(ctx, sheetID)
			if err != nil {
				return err
			}
			if sh.Status != StatusActive {
				return &shared.InvariantViolation{
					Rule:    "sheet_active",
					Current: string(sh.Status),
					Detail:  "only active sheets can be completed",
				}
			}
			open, err := tx.ListOpenMemberIDs(ctx, sheetID)
			if err != nil {
				return err
			}
			if len(open) > 0 {
				return &IncompleteSheetError{SheetID: sheetID, OpenShipments: open}
			}
			return tx.UpdateSheetStatus(ctx, sheetID, StatusCompleted)
		})
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "sheet.complete", sheetID, nil)
	return nil
}

// CancelSheet voids an active sheet and releases its members back to the
// unassigned pool.
func (s *Service) CancelSheet(ctx context.Context, sheetID uuid.UUID, actorID uuid.UUID) error {
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sh, err := tx.GetSheetForUpdate(ctx, sheetID)
			if err != nil {
				return err
			}
			if sh.Status != StatusActive {
				return &shared.InvariantViolation{
					Rule:    "sheet_active",
					Current: string(sh.Status),
					Detail:  "only active sheets can be cancelled",
				}
			}
			if err := tx.ReleaseAllShipments(ctx, sheetID); err != nil {
				return err
			}
			return tx.UpdateSheetStatus(ctx, sheetID, StatusCancelled)
		})
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "sheet.cancel", sheetID, nil)
	return nil
}

// GetSheet retrieves one sheet.
func (s *Service) GetSheet(ctx context.Context, id uuid.UUID) (Sheet, error) {
	if id == uuid.Nil {
		return Sheet{}, shared.NewValidationError("id", "required")
	}
	return s.repo.GetSheet(ctx, id)
}

// SheetSummary recomputes the derived counts for a sheet.
func (s *Service) SheetSummary(ctx context.Context, id uuid.UUID) (Summary, error) {
	return s.repo.Summary(ctx, id)
}

// ListSheets returns a paginated, filtered listing.
func (s *Service) ListSheets(ctx context.Context, filter ListFilter) ([]Sheet, int, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, 0, shared.NewValidationError("status", fmt.Sprintf("unknown status %q", *filter.Status))
	}
	if filter.Type != nil && !filter.Type.IsValid() {
		return nil, 0, shared.NewValidationError("sheet_type", fmt.Sprintf("unknown sheet type %q", *filter.Type))
	}
	return s.repo.ListSheets(ctx, filter)
}

func (s *Service) assignMembers(ctx context.Context, tx TxRepository, sheetID uuid.UUID, shipmentIDs []uuid.UUID) error {
	affected, err := tx.AssignShipments(ctx, sheetID, shipmentIDs)
	if err != nil {
		return err
	}
	if affected == int64(len(shipmentIDs)) {
		return nil
	}
	claimed, err := tx.ListMemberIDs(ctx, sheetID, shipmentIDs)
	if err != nil {
		return err
	}
	taken := make(map[uuid.UUID]bool, len(claimed))
	for _, id := range claimed {
		taken[id] = true
	}
	var conflicts []string
	for _, id := range shipmentIDs {
		if !taken[id] {
			conflicts = append(conflicts, id.String())
		}
	}
	if len(conflicts) == 0 {
		// The shortfall was shipments already on this sheet, which is
		// harmless to re-add.
		return nil
	}
	return &shared.InvariantViolation{
		Rule:   "shipment_unassigned",
		Detail: fmt.Sprintf("shipments already assigned or unknown: %s", strings.Join(conflicts, ", ")),
	}
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action string, sheetID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "sheet",
		EntityID: sheetID.String(),
		Meta:     meta,
		At:       s.now(),
	})
}
