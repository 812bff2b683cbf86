package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservio/reservation-platform/internal/marketplace/application"
	"github.com/reservio/reservation-platform/internal/marketplace/domain"
	"github.com/reservio/reservation-platform/pkg/tracing"
)

type Handler struct {
	log      *slog.Logger
	service  *application.Service
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
		tracer:   otel.Tracer("marketplace-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/delivered", h.markDelivered)
	r.Post("/products", h.createProduct)
	r.Get("/products/{id}", h.getProduct)
	r.Patch("/products/{id}", h.updateProduct)
	r.Post("/reviews", h.addReview)
	r.Post("/vendors/{id}/commissions", h.calculateCommission)
	return r
}

type orderLineReq struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

type placeOrderReq struct {
	CustomerID int64             `json:"customer_id" validate:"required,gt=0"`
	Items      []orderLineReq    `json:"items" validate:"required,min=1,dive"`
	Headers    map[string]string `json:"headers"`
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PlaceOrder")
	defer span.End()

	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	lines := make([]domain.OrderLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, domain.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	orderID, err := h.service.PlaceOrder(ctx, req.CustomerID, lines, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"order_id": orderID})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid order id")
		return
	}

	o, err := h.service.GetOrder(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelOrderReq struct {
	CustomerID int64             `json:"customer_id" validate:"required,gt=0"`
	Headers    map[string]string `json:"headers"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid order id")
		return
	}

	var req cancelOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	if err := h.service.CancelOrder(ctx, req.CustomerID, id, req.Headers, tracing.TraceparentFromRequest(ctx, r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type markDeliveredReq struct {
	VendorID int64             `json:"vendor_id" validate:"required,gt=0"`
	Headers  map[string]string `json:"headers"`
}

func (h *Handler) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "MarkOrderDelivered")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid order id")
		return
	}

	var req markDeliveredReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	if err := h.service.MarkOrderDelivered(ctx, req.VendorID, id, req.Headers, tracing.TraceparentFromRequest(ctx, r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type createProductReq struct {
	VendorID   int64             `json:"vendor_id" validate:"required,gt=0"`
	Name       string            `json:"name" validate:"required"`
	PriceCents int64             `json:"price_cents" validate:"required,gt=0"`
	Stock      int               `json:"stock" validate:"gte=0"`
	Headers    map[string]string `json:"headers"`
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateProduct")
	defer span.End()

	var req createProductReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	productID, err := h.service.CreateProduct(ctx, req.VendorID, req.Name, req.PriceCents, req.Stock, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product_id": productID})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetProduct")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid product id")
		return
	}

	p, err := h.service.GetProduct(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updateProductReq struct {
	VendorID   int64             `json:"vendor_id" validate:"required,gt=0"`
	PriceCents *int64            `json:"price_cents" validate:"omitempty,gt=0"`
	StockDelta *int              `json:"stock_delta"`
	Headers    map[string]string `json:"headers"`
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateProduct")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid product id")
		return
	}

	var req updateProductReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	p, err := h.service.UpdateProduct(ctx, req.VendorID, id,
		domain.ProductUpdate{PriceCents: req.PriceCents, StockDelta: req.StockDelta},
		req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type addReviewReq struct {
	CustomerID int64             `json:"customer_id" validate:"required,gt=0"`
	ProductID  int64             `json:"product_id" validate:"required,gt=0"`
	Rating     int               `json:"rating" validate:"required,min=1,max=5"`
	Comment    string            `json:"comment"`
	Headers    map[string]string `json:"headers"`
}

func (h *Handler) addReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AddReview")
	defer span.End()

	var req addReviewReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	reviewID, err := h.service.AddReview(ctx, req.CustomerID, req.ProductID, req.Rating, req.Comment, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"review_id": reviewID})
}

type commissionReq struct {
	Month   string            `json:"month" validate:"required"`
	Headers map[string]string `json:"headers"`
}

func (h *Handler) calculateCommission(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CalculateCommission")
	defer span.End()

	vendorID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid vendor id")
		return
	}

	var req commissionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	rec, err := h.service.CalculateCommission(ctx, vendorID, req.Month, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "insufficient", err.Error())
	case errors.Is(err, domain.ErrNotEligible):
		writeError(w, http.StatusForbidden, "not_eligible", err.Error())
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrVendorNotFound),
		errors.Is(err, domain.ErrActorNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidRating),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidMonth),
		errors.Is(err, domain.ErrInvalidUpdate):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "busy", err.Error())
	default:
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}
