package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-logistics/atlas-core/internal/platform/httpx"
	"github.com/atlas-logistics/atlas-core/internal/shared"
)

// MetricsPort counts committed postings.
type MetricsPort interface {
	ObserveLedgerPost(transactionType string)
}

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  MetricsPort
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service, metrics MetricsPort) *Handler {
	return &Handler{logger: logger, service: service, metrics: metrics, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.postTransaction)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Route("/accounts/{kind}/{ownerID}", func(r chi.Router) {
		r.Get("/balance", h.getBalance)
		r.Get("/transactions", h.listTransactions)
		r.Post("/withdrawals", h.withdraw)
	})
}

type postTransactionRequest struct {
	ID              string `json:"id,omitempty" validate:"omitempty,uuid"`
	Amount          string `json:"amount" validate:"required"`
	Type            string `json:"transaction_type" validate:"required"`
	OwnerKind       string `json:"owner_kind" validate:"required"`
	OwnerID         string `json:"owner_id" validate:"required,uuid"`
	PaymentMethod   string `json:"payment_method,omitempty" validate:"omitempty,max=50"`
	ReferenceNumber string `json:"reference_number,omitempty" validate:"omitempty,max=100"`
	Description     string `json:"description,omitempty" validate:"omitempty,max=500"`
	TransactionDate string `json:"transaction_date,omitempty"`
}

func (h *Handler) postTransaction(w http.ResponseWriter, r *http.Request) {
	var req postTransactionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}
	in := PostInput{
		Amount:          amount,
		Type:            TransactionType(req.Type),
		Owner:           OwnerRef{Kind: OwnerKind(req.OwnerKind)},
		PaymentMethod:   req.PaymentMethod,
		ReferenceNumber: req.ReferenceNumber,
		Description:     req.Description,
		ActorID:         shared.ActorFromContext(r.Context()).ID,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	}
	in.Owner.ID, _ = uuid.Parse(req.OwnerID)
	if req.ID != "" {
		in.ID, _ = uuid.Parse(req.ID)
	}
	if req.TransactionDate != "" {
		t, err := time.Parse(time.RFC3339, req.TransactionDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "transaction_date must be RFC3339")
			return
		}
		in.TransactionDate = t
	}

	entry, err := h.service.PostTransaction(r.Context(), in)
	if err != nil {
		h.logger.Warn("post transaction rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveLedgerPost(string(entry.Type))
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

type withdrawRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromURL(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}
	entry, err := h.service.Withdraw(r.Context(), owner, amount, shared.ActorFromContext(r.Context()).ID)
	if err != nil {
		h.logger.Warn("withdraw rejected",
			slog.String("owner_kind", string(owner.Kind)),
			slog.String("owner_id", owner.ID.String()),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveLedgerPost(string(entry.Type))
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromURL(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetBalance(r.Context(), owner)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transaction id")
		return
	}
	entry, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

type statementResponse struct {
	Transactions []BalanceTransaction `json:"transactions"`
	Pagination   shared.Pagination    `json:"pagination"`
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromURL(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := StatementFilter{}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Per, _ = strconv.Atoi(q.Get("per_page"))
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, TransactionType(t))
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}

	entries, total, err := h.service.ListTransactions(r.Context(), owner, filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statementResponse{
		Transactions: entries,
		Pagination:   shared.NewPagination(filter.Page, filter.Per, total),
	})
}

func ownerFromURL(w http.ResponseWriter, r *http.Request) (OwnerRef, bool) {
	kind := OwnerKind(chi.URLParam(r, "kind"))
	if !kind.IsValid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown owner kind")
		return OwnerRef{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "ownerID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid owner id")
		return OwnerRef{}, false
	}
	return OwnerRef{Kind: kind, ID: id}, true
}
