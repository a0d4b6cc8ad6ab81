package stockcount

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes the stock count workflow over HTTP.
type Handler struct {
	logger     *slog.Logger
	reconciler *Reconciler
	validate   *validator.Validate
}

func NewHandler(logger *slog.Logger, reconciler *Reconciler) *Handler {
	return &Handler{logger: logger, reconciler: reconciler, validate: validator.New()}
}

// MountRoutes registers stock count routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock-counts", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/start", h.start)
		r.Post("/{id}/lines", h.recordActual)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/cancel", h.cancel)
	})
}

type createCountRequest struct {
	Type       string  `json:"type" validate:"required,oneof=FULL CYCLE SPOT"`
	LocationID int64   `json:"location_id" validate:"required,gt=0"`
	Notes      string  `json:"notes"`
	ProductIDs []int64 `json:"product_ids" validate:"dive,gt=0"`
	ActorID    int64   `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	count, err := h.reconciler.Create(r.Context(), CreateInput{
		Type:       CountType(req.Type),
		LocationID: req.LocationID,
		Notes:      req.Notes,
		ProductIDs: req.ProductIDs,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, count)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	status := CountStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	counts, err := h.reconciler.List(r.Context(), status, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, counts)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	count, lines, err := h.reconciler.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"count": count, "lines": lines})
}

type actionRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.reconciler.Start)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.reconciler.Cancel)
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, countID, actorID int64) error) {
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
	if err := fn(r.Context(), id, req.ActorID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recordActualRequest struct {
	ProductID  int64 `json:"product_id" validate:"required,gt=0"`
	CountedQty int64 `json:"counted_qty" validate:"gte=0"`
	ActorID    int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) recordActual(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req recordActualRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	line, err := h.reconciler.RecordActual(r.Context(), id, req.ProductID, req.CountedQty, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

type completeRequest struct {
	ApplyAdjustments bool  `json:"apply_adjustments"`
	ActorID          int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.reconciler.Complete(r.Context(), id, req.ApplyAdjustments, req.ActorID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
	switch {
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Already Processed", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("stock count request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
