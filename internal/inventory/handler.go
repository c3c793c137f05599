package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atlas-logistics/atlas-core/internal/platform/httpx"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// MetricsPort counts completed reconciliations.
type MetricsPort interface {
	ObserveCountClosed()
}

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  MetricsPort
	validate *validator.Validate
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, service *Service, metrics MetricsPort) *Handler {
	return &Handler{logger: logger, service: service, metrics: metrics, validate: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/inventory/counts", h.startCount)
	r.Get("/inventory/counts", h.listCounts)
	r.Route("/inventory/counts/{id}", func(r chi.Router) {
		r.Get("/", h.getCount)
		r.Post("/scans", h.recordCount)
		r.Post("/close", h.closeCount)
		r.Post("/cancel", h.cancelCount)
	})
}

type startCountRequest struct {
	BranchID  string `json:"branch_id" validate:"required,uuid"`
	CountDate string `json:"count_date,omitempty"`
}

func (h *Handler) startCount(w http.ResponseWriter, r *http.Request) {
	var req startCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	branchID, _ := uuid.Parse(req.BranchID)
	var countDate time.Time
	if req.CountDate != "" {
		t, err := time.Parse("2006-01-02", req.CountDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "count_date must be YYYY-MM-DD")
			return
		}
		countDate = t
	}

	count, err := h.service.StartCount(r.Context(), branchID, countDate, shared.ActorFromContext(r.Context()).ID)
	if err != nil {
		h.logger.Warn("start count rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, count)
}

type recordCountRequest struct {
	ShipmentID string `json:"shipment_id" validate:"required,uuid"`
}

func (h *Handler) recordCount(w http.ResponseWriter, r *http.Request) {
	inventoryID, ok := countIDFromURL(w, r)
	if !ok {
		return
	}
	var req recordCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	shipmentID, _ := uuid.Parse(req.ShipmentID)

	entry, err := h.service.RecordCount(r.Context(), inventoryID, shipmentID, shared.ActorFromContext(r.Context()).ID)
	if err != nil {
		var dup *DuplicateScanError
		if errors.As(err, &dup) {
			httpx.ProblemWithExtra(w, http.StatusConflict, "Duplicate Scan",
				"shipment already recorded in this count", map[string]any{
					"existing_entry": dup.Entry,
				})
			return
		}
		h.logger.Warn("record count rejected", slog.String("inventory_id", inventoryID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) closeCount(w http.ResponseWriter, r *http.Request) {
	inventoryID, ok := countIDFromURL(w, r)
	if !ok {
		return
	}
	count, err := h.service.CloseCount(r.Context(), inventoryID, shared.ActorFromContext(r.Context()).ID)
	if err != nil {
		h.logger.Warn("close count rejected", slog.String("inventory_id", inventoryID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveCountClosed()
	}
	httpx.JSON(w, http.StatusOK, count)
}

func (h *Handler) cancelCount(w http.ResponseWriter, r *http.Request) {
	inventoryID, ok := countIDFromURL(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelCount(r.Context(), inventoryID, shared.ActorFromContext(r.Context()).ID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type countResponse struct {
	Count   InventoryCount `json:"count"`
	Entries []LogEntry     `json:"entries"`
}

func (h *Handler) getCount(w http.ResponseWriter, r *http.Request) {
	inventoryID, ok := countIDFromURL(w, r)
	if !ok {
		return
	}
	count, entries, err := h.service.GetCount(r.Context(), inventoryID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, countResponse{Count: count, Entries: entries})
}

type listCountsResponse struct {
	Counts     []InventoryCount  `json:"counts"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listCounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Per, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("status"); raw != "" {
		status := CountStatus(raw)
		filter.Status = &status
	}
	if raw := q.Get("branch_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.BranchID = &id
		}
	}

	counts, total, err := h.service.ListCounts(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listCountsResponse{
		Counts:     counts,
		Pagination: shared.NewPagination(filter.Page, filter.Per, total),
	})
}

func countIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid inventory count id")
		return uuid.Nil, false
	}
	return id, true
}
