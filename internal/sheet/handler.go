package sheet

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atlas-logistics/atlas-core/internal/platform/httpx"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// Handler wires HTTP endpoints for the sheet module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the sheet handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers sheet routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sheets", h.createSheet)
	r.Get("/sheets", h.listSheets)
	r.Route("/sheets/{id}", func(r chi.Router) {
		r.Get("/", h.getSheet)
		r.Get("/summary", h.getSummary)
		r.Post("/shipments", h.addShipments)
		r.Delete("/shipments/{shipmentID}", h.removeShipment)
		r.Post("/complete", h.completeSheet)
		r.Post("/cancel", h.cancelSheet)
	})
}

type createSheetRequest struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Type        string   `json:"sheet_type" validate:"required"`
	DelegateID  string   `json:"delegate_id" validate:"required,uuid"`
	StoreID     string   `json:"store_id,omitempty" validate:"omitempty,uuid"`
	ShipmentIDs []string `json:"shipment_ids" validate:"required,min=1,dive,uuid"`
}

func (h *Handler) createSheet(w http.ResponseWriter, r *http.Request) {
	var req createSheetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := CreateInput{
		Name:    req.Name,
		Type:    Type(req.Type),
		ActorID: shared.ActorFromContext(r.Context()).ID,
	}
	in.DelegateID, _ = uuid.Parse(req.DelegateID)
	if req.StoreID != "" {
		storeID, _ := uuid.Parse(req.StoreID)
		in.StoreID = &storeID
	}
	for _, raw := range req.ShipmentIDs {
		id, _ := uuid.Parse(raw)
		in.ShipmentIDs = append(in.ShipmentIDs, id)
	}

	sh, err := h.service.CreateSheet(r.Context(), in)
	if err != nil {
		h.logger.Warn("create sheet rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sh)
}

type addShipmentsRequest struct {
	ShipmentIDs []string `json:"shipment_ids" validate:"required,min=1,dive,uuid"`
}

func (h *Handler) addShipments(w http.ResponseWriter, r *http.Request) {
	sheetID, ok := sheetIDFromURL(w, r)
	if !ok {
		return
	}
	var req addShipmentsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	ids := make([]uuid.UUID, 0, len(req.ShipmentIDs))
	for _, raw := range req.ShipmentIDs {
		id, _ := uuid.Parse(raw)
		ids = append(ids, id)
	}
	if err := h.service.AddShipments(r.Context(), sheetID, ids, shared.ActorFromContext(r.Context()).ID); err != nil {
		h.logger.Warn("add shipments rejected", slog.String("sheet_id", sheetID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeShipment(w http.ResponseWriter, r *http.Request) {
	sheetID, ok := sheetIDFromURL(w, r)
	if !ok {
		return
	}
	shipmentID, err := uuid.Parse(chi.URLParam(r, "shipmentID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid shipment id")
		return
	}
	if err := h.service.RemoveShipment(r.Context(), sheetID, shipmentID, shared.ActorFromContext(r.Context()).ID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) completeSheet(w http.ResponseWriter, r *http.Request) {
	sheetID, ok := sheetIDFromURL(w, r)
	if !ok {
		return
	}
	if err := h.service.CompleteSheet(r.Context(), sheetID, shared.ActorFromContext(r.Context()).ID); err != nil {
		var incomplete *IncompleteSheetError
		if errors.As(err, &incomplete) {
			httpx.ProblemWithExtra(w, http.StatusConflict, "Sheet Incomplete",
				"sheet has members that have not settled", map[string]any{
					"open_shipments": incomplete.OpenShipments,
				})
			return
		}
		h.logger.Warn("complete sheet rejected", slog.String("sheet_id", sheetID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelSheet(w http.ResponseWriter, r *http.Request) {
	sheetID, ok := sheetIDFromURL(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelSheet(r.Context(), sheetID, shared.ActorFromContext(r.Context()).ID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getSheet(w http.ResponseWriter, r *http.Request) {
	sheetID, ok := sheetIDFromURL(w, r)
	if !ok {
		return
	}
	sh, err := h.service.GetSheet(r.Context(), sheetID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	sheetID, ok := sheetIDFromURL(w, r)
	if !ok {
		return
	}
	result, err, _ := summarySingleflight(r.Context(), sheetID.String(), func(ctx context.Context) (interface{}, error) {
		return h.service.SheetSummary(ctx, sheetID)
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type listSheetsResponse struct {
	Sheets     []Sheet           `json:"sheets"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listSheets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Per, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("status"); raw != "" {
		status := Status(raw)
		filter.Status = &status
	}
	if raw := q.Get("sheet_type"); raw != "" {
		t := Type(raw)
		filter.Type = &t
	}
	if raw := q.Get("delegate_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.DelegateID = &id
		}
	}
	if raw := q.Get("store_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.StoreID = &id
		}
	}

	sheets, total, err := h.service.ListSheets(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listSheetsResponse{
		Sheets:     sheets,
		Pagination: shared.NewPagination(filter.Page, filter.Per, total),
	})
}

func sheetIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid sheet id")
		return uuid.Nil, false
	}
	return id, true
}
