package goodsissue

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler exposes the goods issue workflow over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers goods issue routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/goods-issues", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/cancel", h.cancel)
	})
}

type issueLineRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

type createIssueRequest struct {
	Type       string             `json:"type" validate:"required,oneof=SALES DAMAGE OTHER"`
	LocationID int64              `json:"location_id" validate:"required,gt=0"`
	IssuedTo   string             `json:"issued_to"`
	Notes      string             `json:"notes"`
	Lines      []issueLineRequest `json:"lines" validate:"required,min=1,dive"`
	ActorID    int64              `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createIssueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateInput{
		Type:       IssueType(req.Type),
		LocationID: req.LocationID,
		IssuedTo:   req.IssuedTo,
		Notes:      req.Notes,
		ActorID:    req.ActorID,
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineInput{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	issue, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, issue)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	status := IssueStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	issues, err := h.service.List(r.Context(), status, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, issues)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	issue, lines, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"issue": issue, "lines": lines})
}

type actionRequest struct {
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.service.Complete)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.service.Cancel)
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, issueID, actorID int64) error) {
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

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var insufficient *inventory.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", insufficient.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Already Processed", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("goods issue request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
