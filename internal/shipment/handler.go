package shipment

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/platform/httpx"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// MetricsPort counts transition outcomes.
type MetricsPort interface {
	ObserveTransition(target string, applied bool)
}

// Handler wires HTTP endpoints for the shipment module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  MetricsPort
	validate *validator.Validate
}

// NewHandler constructs the shipment handler.
func NewHandler(logger *slog.Logger, service *Service, metrics MetricsPort) *Handler {
	return &Handler{logger: logger, service: service, metrics: metrics, validate: validator.New()}
}

// MountRoutes registers shipment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/shipments", h.createShipment)
	r.Get("/shipments", h.listShipments)
	r.Get("/shipments/{id}", h.getShipment)
	r.Get("/shipments/{id}/history", h.listHistory)
	r.Get("/shipments/track/{trackingNumber}", h.getByTracking)
	r.Post("/shipments/transitions", h.applyTransition)
}

type createShipmentRequest struct {
	TrackingNumber string `json:"tracking_number" validate:"required,max=100"`
	CODAmount      string `json:"cod_amount,omitempty"`
	BranchID       string `json:"branch_id,omitempty" validate:"omitempty,uuid"`
	DelegateID     string `json:"delegate_id,omitempty" validate:"omitempty,uuid"`
	ShipperID      string `json:"shipper_id,omitempty" validate:"omitempty,uuid"`
}

func (h *Handler) createShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := CreateInput{
		TrackingNumber: req.TrackingNumber,
		ActorID:        shared.ActorFromContext(r.Context()).ID,
	}
	if req.CODAmount != "" {
		amount, err := decimal.NewFromString(req.CODAmount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "cod_amount must be a decimal string")
			return
		}
		in.CODAmount = amount
	}
	in.BranchID = optionalID(req.BranchID)
	in.DelegateID = optionalID(req.DelegateID)
	in.ShipperID = optionalID(req.ShipperID)

	sh, err := h.service.CreateShipment(r.Context(), in)
	if err != nil {
		h.logger.Warn("create shipment rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sh)
}

type transitionRequest struct {
	ShipmentIDs []string `json:"shipment_ids" validate:"required,min=1,dive,uuid"`
	Target      string   `json:"target_status" validate:"required"`
	Atomic      bool     `json:"atomic,omitempty"`
}

func (h *Handler) applyTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := TransitionInput{
		Target:  Status(req.Target),
		Atomic:  req.Atomic,
		ActorID: shared.ActorFromContext(r.Context()).ID,
	}
	for _, raw := range req.ShipmentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid shipment id "+raw)
			return
		}
		in.ShipmentIDs = append(in.ShipmentIDs, id)
	}

	result, err := h.service.ApplyTransition(r.Context(), in)
	if err != nil {
		h.logger.Warn("transition rejected",
			slog.String("target", req.Target),
			slog.Int("count", len(req.ShipmentIDs)),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		for range result.Applied {
			h.metrics.ObserveTransition(req.Target, true)
		}
		for range result.Rejected {
			h.metrics.ObserveTransition(req.Target, false)
		}
	}
	status := http.StatusOK
	if len(result.Rejected) > 0 {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) getShipment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid shipment id")
		return
	}
	sh, err := h.service.GetShipment(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) getByTracking(w http.ResponseWriter, r *http.Request) {
	sh, err := h.service.GetByTrackingNumber(r.Context(), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid shipment id")
		return
	}
	history, err := h.service.ListStatusHistory(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, history)
}

type listShipmentsResponse struct {
	Shipments  []Shipment        `json:"shipments"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Search: q.Get("search")}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Per, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("status"); raw != "" {
		status := Status(raw)
		filter.Status = &status
	}
	filter.BranchID = optionalID(q.Get("branch_id"))
	filter.DelegateID = optionalID(q.Get("delegate_id"))
	filter.ShipperID = optionalID(q.Get("shipper_id"))
	filter.SheetID = optionalID(q.Get("sheet_id"))

	shipments, total, err := h.service.ListShipments(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listShipmentsResponse{
		Shipments:  shipments,
		Pagination: shared.NewPagination(filter.Page, filter.Per, total),
	})
}

func optionalID(raw string) *uuid.UUID {
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
