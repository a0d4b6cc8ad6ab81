package inventory

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

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	mutator  *Mutator
	adjuster *Adjuster
	validate *validator.Validate
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, mutator *Mutator, adjuster *Adjuster) *Handler {
	return &Handler{
		logger:   logger,
		mutator:  mutator,
		adjuster: adjuster,
		validate: validator.New(),
	}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock", h.handleStockLevel)
	r.Get("/movements", h.handleMovements)
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/reservations", h.handleReservation)
}

type stockLevelResponse struct {
	ProductID    int64     `json:"product_id"`
	LocationID   int64     `json:"location_id"`
	Quantity     int64     `json:"quantity"`
	ReservedQty  int64     `json:"reserved_qty"`
	AvailableQty int64     `json:"available_qty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func stockLevelFromRecord(rec StockRecord) stockLevelResponse {
	return stockLevelResponse{
		ProductID:    rec.ProductID,
		LocationID:   rec.LocationID,
		Quantity:     rec.Quantity,
		ReservedQty:  rec.ReservedQty,
		AvailableQty: rec.Available(),
		UpdatedAt:    rec.UpdatedAt,
	}
}

func (h *Handler) handleStockLevel(w http.ResponseWriter, r *http.Request) {
	productID := queryInt64(r, "product_id")
	locationID := queryInt64(r, "location_id")
	rec, err := h.mutator.GetStockLevel(r.Context(), productID, locationID)
	if err != nil {
		h.respondError(w, "get stock level", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockLevelFromRecord(rec))
}

type movementResponse struct {
	ID            int64     `json:"id"`
	ProductID     int64     `json:"product_id"`
	LocationID    int64     `json:"location_id"`
	Type          string    `json:"movement_type"`
	Quantity      int64     `json:"quantity"`
	BeforeQty     int64     `json:"before_qty"`
	AfterQty      int64     `json:"after_qty"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	Reason        string    `json:"reason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{
		ProductID:     queryInt64(r, "product_id"),
		LocationID:    queryInt64(r, "location_id"),
		ReferenceType: ReferenceType(q.Get("reference_type")),
		ReferenceID:   q.Get("reference_id"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.mutator.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list movements", err)
		return
	}
	out := make([]movementResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, movementResponse{
			ID:            e.ID,
			ProductID:     e.ProductID,
			LocationID:    e.LocationID,
			Type:          string(e.Type),
			Quantity:      e.Quantity,
			BeforeQty:     e.BeforeQty,
			AfterQty:      e.AfterQty,
			ReferenceType: string(e.Reference.Type),
			ReferenceID:   e.Reference.ID,
			Reason:        e.Reason,
			Notes:         e.Notes,
			OccurredAt:    e.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type adjustmentRequest struct {
	ProductID  int64  `json:"product_id" validate:"required"`
	LocationID int64  `json:"location_id" validate:"required"`
	Type       string `json:"type" validate:"required,oneof=ADD SUBTRACT DAMAGE"`
	Quantity   int64  `json:"quantity" validate:"required,gt=0"`
	Reason     string `json:"reason" validate:"required"`
	ActorID    int64  `json:"actor_id"`
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	adjustment, err := h.adjuster.Adjust(r.Context(), AdjustmentInput{
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		Type:       AdjustmentType(req.Type),
		Quantity:   req.Quantity,
		Reason:     req.Reason,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.respondError(w, "post adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, adjustment)
}

type transferRequest struct {
	ProductID     int64  `json:"product_id" validate:"required"`
	SrcLocationID int64  `json:"src_location_id" validate:"required"`
	DstLocationID int64  `json:"dst_location_id" validate:"required,nefield=SrcLocationID"`
	Quantity      int64  `json:"quantity" validate:"required,gt=0"`
	Notes         string `json:"notes"`
	ActorID       int64  `json:"actor_id"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	out, in, err := h.mutator.Transfer(r.Context(), TransferInput{
		ProductID:   req.ProductID,
		SrcLocation: req.SrcLocationID,
		DstLocation: req.DstLocationID,
		Qty:         req.Quantity,
		Notes:       req.Notes,
		ActorID:     req.ActorID,
	})
	if err != nil {
		h.respondError(w, "post transfer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"out": out, "in": in})
}

type reservationRequest struct {
	ProductID  int64 `json:"product_id" validate:"required"`
	LocationID int64 `json:"location_id" validate:"required"`
	Delta      int64 `json:"delta" validate:"required"`
	ActorID    int64 `json:"actor_id"`
}

func (h *Handler) handleReservation(w http.ResponseWriter, r *http.Request) {
	var req reservationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rec, err := h.mutator.AdjustReservation(r.Context(), ReservationInput{
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		Delta:      req.Delta,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.respondError(w, "adjust reservation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stockLevelFromRecord(rec))
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", insufficient.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func queryInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v
}
