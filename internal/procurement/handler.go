package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes the purchase order workflow over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Put("/{id}/lines", h.updateLines)
		r.Post("/{id}/submit", h.submit)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/mark-ordered", h.markOrdered)
		r.Post("/{id}/cancel", h.cancel)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/receipts", h.receive)
	})
}

type poLineRequest struct {
	ProductID  int64   `json:"product_id" validate:"required,gt=0"`
	OrderedQty int64   `json:"ordered_qty" validate:"required,gt=0"`
	Price      float64 `json:"price" validate:"gte=0"`
	Notes      string  `json:"notes"`
}

type createPORequest struct {
	SupplierID int64           `json:"supplier_id" validate:"required,gt=0"`
	ExpectedAt string          `json:"expected_at"`
	Notes      string          `json:"notes"`
	Lines      []poLineRequest `json:"lines" validate:"required,min=1,dive"`
	ActorID    int64           `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreatePOInput{SupplierID: req.SupplierID, Notes: req.Notes, ActorID: req.ActorID}
	if req.ExpectedAt != "" {
		at, err := time.Parse("2006-01-02", req.ExpectedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expected_at must be YYYY-MM-DD")
			return
		}
		input.ExpectedAt = at
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, POLineInput{ProductID: l.ProductID, OrderedQty: l.OrderedQty, Price: l.Price, Notes: l.Notes})
	}

	po, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	status := POStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	pos, err := h.service.List(r.Context(), status, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	po, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": po, "lines": lines})
}

type updateLinesRequest struct {
	Lines   []poLineRequest `json:"lines" validate:"required,min=1,dive"`
	ActorID int64           `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req updateLinesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var lines []POLineInput
	for _, l := range req.Lines {
		lines = append(lines, POLineInput{ProductID: l.ProductID, OrderedQty: l.OrderedQty, Price: l.Price, Notes: l.Notes})
	}
	if err := h.service.UpdateLines(r.Context(), id, lines, req.ActorID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionRequest struct {
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
	Reason  string `json:"reason"`
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(int64, actionRequest) error) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := fn(id, req); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(id int64, req actionRequest) error {
		return h.service.Submit(r.Context(), id, req.ActorID)
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(id int64, req actionRequest) error {
		return h.service.Approve(r.Context(), id, req.ActorID)
	})
}

func (h *Handler) markOrdered(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(id int64, req actionRequest) error {
		return h.service.MarkOrdered(r.Context(), id, req.ActorID)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(id int64, req actionRequest) error {
		return h.service.Cancel(r.Context(), id, req.ActorID, req.Reason)
	})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(id int64, req actionRequest) error {
		return h.service.Delete(r.Context(), id, req.ActorID)
	})
}

type receiveLineRequest struct {
	ProductID   int64 `json:"product_id" validate:"required,gt=0"`
	ReceivedQty int64 `json:"received_qty" validate:"required,gt=0"`
	AcceptedQty int64 `json:"accepted_qty" validate:"gte=0"`
	RejectedQty int64 `json:"rejected_qty" validate:"gte=0"`
}

type receiveRequest struct {
	ReceiptID  string               `json:"receipt_id" validate:"required"`
	LocationID int64                `json:"location_id" validate:"required,gt=0"`
	ReceivedAt string               `json:"received_at"`
	Notes      string               `json:"notes"`
	Lines      []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
	ActorID    int64                `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := ReceiveInput{
		POID:       id,
		ReceiptID:  req.ReceiptID,
		LocationID: req.LocationID,
		Notes:      req.Notes,
		ActorID:    req.ActorID,
	}
	if req.ReceivedAt != "" {
		at, err := time.Parse(time.RFC3339, req.ReceivedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "received_at must be RFC3339")
			return
		}
		input.ReceivedAt = at
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, ReceiveLineInput{
			ProductID:   l.ProductID,
			ReceivedQty: l.ReceivedQty,
			AcceptedQty: l.AcceptedQty,
			RejectedQty: l.RejectedQty,
		})
	}

	receipt, err := h.service.Receive(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receipt)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var overReceipt *OverReceiptError
	switch {
	case errors.As(err, &overReceipt):
		httpx.Problem(w, http.StatusConflict, "Over Receipt", overReceipt.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("procurement request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
