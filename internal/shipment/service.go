package shipment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-logistics/atlas-core/internal/ledger"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventDispatcher hands committed transitions to the notification pipeline.
type EventDispatcher interface {
	ShipmentDelivered(ctx context.Context, evt DeliveredEvent) error
}

// Service validates and applies shipment state changes. It is the only
// writer of shipment status.
type Service struct {
	repo     Repository
	audit    AuditPort
	events   EventDispatcher
	attempts int
	now      func() time.Time
}

// NewService constructs the transition engine.
func NewService(repo Repository, audit AuditPort, events EventDispatcher) *Service {
	return &Service{repo: repo, audit: audit, events: events, attempts: shared.DefaultTxAttempts, now: time.Now}
}

// CreateShipment registers a new shipment in pending state.
func (s *Service) CreateShipment(ctx context.Context, in CreateInput) (Shipment, error) {
	if strings.TrimSpace(in.TrackingNumber) == "" {
		return Shipment{}, shared.NewValidationError("tracking_number", "required")
	}
	if in.CODAmount.IsNegative() {
		return Shipment{}, shared.NewValidationError("cod_amount", "must not be negative")
	}
	sh := Shipment{
		ID:             uuid.New(),
		TrackingNumber: strings.TrimSpace(in.TrackingNumber),
		Status:         StatusPending,
		CODAmount:      in.CODAmount,
		BranchID:       in.BranchID,
		DelegateID:     in.DelegateID,
		ShipperID:      in.ShipperID,
		CreatedAt:      s.now().UTC(),
	}
	sh.UpdatedAt = sh.CreatedAt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertShipment(ctx, sh)
	})
	if err != nil {
		if errors.Is(err, shared.ErrDuplicateEntry) {
			return Shipment{}, &shared.InvariantViolation{
				Rule:   "unique_tracking_number",
				Detail: fmt.Sprintf("tracking number %s already registered", sh.TrackingNumber),
			}
		}
		return Shipment{}, err
	}
	return sh, nil
}

// ApplyTransition moves shipments to the target status. Each shipment runs
// in its own transaction so one rejection does not block the others; Atomic
// mode runs the whole batch in one transaction and rejects it entirely on
// the first illegal member.
func (s *Service) ApplyTransition(ctx context.Context, in TransitionInput) (TransitionResult, error) {
	if len(in.ShipmentIDs) == 0 {
		return TransitionResult{}, shared.NewValidationError("shipment_ids", "must not be empty")
	}
	if !in.Target.IsValid() {
		return TransitionResult{}, shared.NewValidationError("target_status", fmt.Sprintf("unknown status %q", in.Target))
	}

	if in.Atomic {
		return s.applyAtomic(ctx, in)
	}

	var result TransitionResult
	for _, id := range in.ShipmentIDs {
		sh, rej, err := s.applyOne(ctx, id, in.Target, in.ActorID)
		if err != nil {
			return result, err
		}
		if rej != nil {
			result.Rejected = append(result.Rejected, *rej)
			continue
		}
		result.Applied = append(result.Applied, id)
		s.recordTransition(ctx, sh, in)
		// Dispatch as soon as the member commits; a failure later in the
		// batch must not swallow notifications for shipments already applied.
		if in.Target == StatusDelivered {
			s.dispatchDelivered(ctx, []DeliveredEvent{deliveredEvent(sh)})
		}
	}
	return result, nil
}

func (s *Service) applyAtomic(ctx context.Context, in TransitionInput) (TransitionResult, error) {
	var result TransitionResult
	var applied []Shipment
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		applied = applied[:0]
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			for _, id := range in.ShipmentIDs {
				sh, rej, err := s.transitionInTx(ctx, tx, id, in.Target, in.ActorID)
				if err != nil {
					return err
				}
				if rej != nil {
					return &shared.InvariantViolation{
						Rule:    "illegal_transition",
						Current: string(rej.CurrentStatus),
						Detail:  fmt.Sprintf("shipment %s: %s", rej.ShipmentID, rej.Reason),
					}
				}
				applied = append(applied, sh)
			}
			return nil
		})
	})
	if err != nil {
		return TransitionResult{}, err
	}
	var delivered []DeliveredEvent
	for _, sh := range applied {
		result.Applied = append(result.Applied, sh.ID)
		s.recordTransition(ctx, sh, in)
		if in.Target == StatusDelivered {
			delivered = append(delivered, deliveredEvent(sh))
		}
	}
	s.dispatchDelivered(ctx, delivered)
	return result, nil
}

// applyOne transitions a single shipment in its own transaction boundary.
// Business rejections come back as *Rejection; only infrastructure failures
// surface as errors.
func (s *Service) applyOne(ctx context.Context, id uuid.UUID, target Status, actorID uuid.UUID) (Shipment, *Rejection, error) {
	var sh Shipment
	var rej *Rejection
	err := shared.RetryTx(ctx, s.attempts, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			sh, rej, err = s.transitionInTx(ctx, tx, id, target, actorID)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Shipment{}, &Rejection{ShipmentID: id, Reason: "shipment not found"}, nil
		}
		var conflict *shared.ConcurrencyConflict
		if errors.As(err, &conflict) {
			return Shipment{}, &Rejection{ShipmentID: id, Reason: "concurrent conflicting write"}, nil
		}
		return Shipment{}, nil, err
	}
	return sh, rej, nil
}

// transitionInTx performs the status write and its cash side effect as one
// atomic unit: if the ledger post fails, the status change does not persist.
func (s *Service) transitionInTx(ctx context.Context, tx TxRepository, id uuid.UUID, target Status, actorID uuid.UUID) (Shipment, *Rejection, error) {
	sh, err := tx.GetShipmentForUpdate(ctx, id)
	if err != nil {
		return Shipment{}, nil, err
	}
	if !sh.Status.CanTransition(target) {
		return Shipment{}, &Rejection{ShipmentID: id, CurrentStatus: sh.Status, Reason: "illegal transition"}, nil
	}

	now := s.now().UTC()
	var deliveredAt, returnedAt *time.Time
	switch target {
	case StatusDelivered:
		deliveredAt = &now
	case StatusReturned:
		returnedAt = &now
	}

	if target == StatusDelivered && sh.CODAmount.IsPositive() {
		if sh.DelegateID == nil {
			return Shipment{}, &Rejection{ShipmentID: id, CurrentStatus: sh.Status, Reason: "no delegate to credit COD collection"}, nil
		}
		// Deterministic entry id: a replayed delivery of the same shipment
		// trips the append-only ledger instead of double-crediting.
		entryID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("cod-collection:"+sh.ID.String()))
		_, _, err := ledger.ApplyPosting(ctx, tx.Ledger(), ledger.PostInput{
			ID:              entryID,
			Amount:          sh.CODAmount,
			Type:            ledger.TransactionTypeCollection,
			Owner:           ledger.OwnerRef{Kind: ledger.OwnerKindDelegate, ID: *sh.DelegateID},
			ReferenceNumber: sh.TrackingNumber,
			Description:     fmt.Sprintf("COD collection for shipment %s", sh.TrackingNumber),
			TransactionDate: now,
			ActorID:         actorID,
		}, false)
		if err != nil {
			return Shipment{}, nil, err
		}
	}

	if err := tx.UpdateStatus(ctx, id, target, deliveredAt, returnedAt); err != nil {
		return Shipment{}, nil, err
	}
	if err := tx.InsertStatusChange(ctx, StatusChange{
		ShipmentID: id,
		From:       sh.Status,
		To:         target,
		ActorID:    actorID,
		ChangedAt:  now,
	}); err != nil {
		return Shipment{}, nil, err
	}

	sh.Status = target
	sh.UpdatedAt = now
	if deliveredAt != nil && sh.DeliveredAt == nil {
		sh.DeliveredAt = deliveredAt
	}
	if returnedAt != nil && sh.ReturnedAt == nil {
		sh.ReturnedAt = returnedAt
	}
	return sh, nil, nil
}

// GetShipment retrieves a shipment by id.
func (s *Service) GetShipment(ctx context.Context, id uuid.UUID) (Shipment, error) {
	if id == uuid.Nil {
		return Shipment{}, shared.NewValidationError("id", "required")
	}
	return s.repo.GetShipment(ctx, id)
}

// GetByTrackingNumber retrieves a shipment by tracking number.
func (s *Service) GetByTrackingNumber(ctx context.Context, trackingNumber string) (Shipment, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return Shipment{}, shared.NewValidationError("tracking_number", "required")
	}
	return s.repo.GetByTrackingNumber(ctx, trackingNumber)
}

// ListShipments returns a paginated, filtered listing.
func (s *Service) ListShipments(ctx context.Context, filter ListFilter) ([]Shipment, int, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, 0, shared.NewValidationError("status", fmt.Sprintf("unknown status %q", *filter.Status))
	}
	return s.repo.ListShipments(ctx, filter)
}

// ListStatusHistory returns the ordered status history for a shipment.
func (s *Service) ListStatusHistory(ctx context.Context, shipmentID uuid.UUID) ([]StatusChange, error) {
	if shipmentID == uuid.Nil {
		return nil, shared.NewValidationError("shipment_id", "required")
	}
	return s.repo.ListStatusHistory(ctx, shipmentID)
}

func (s *Service) recordTransition(ctx context.Context, sh Shipment, in TransitionInput) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "shipment.transition",
		Entity:   "shipment",
		EntityID: sh.ID.String(),
		Meta: map[string]any{
			"tracking_number": sh.TrackingNumber,
			"to":              string(in.Target),
		},
		At: s.now(),
	})
}

func (s *Service) dispatchDelivered(ctx context.Context, events []DeliveredEvent) {
	if s.events == nil {
		return
	}
	for _, evt := range events {
		_ = s.events.ShipmentDelivered(ctx, evt)
	}
}

func deliveredEvent(sh Shipment) DeliveredEvent {
	evt := DeliveredEvent{
		ShipmentID:     sh.ID,
		TrackingNumber: sh.TrackingNumber,
		DelegateID:     sh.DelegateID,
		CODAmount:      sh.CODAmount,
	}
	if sh.DeliveredAt != nil {
		evt.DeliveredAt = *sh.DeliveredAt
	}
	return evt
}
