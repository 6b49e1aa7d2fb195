package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Pacies/2k-ims/internal/domain"
)

type Store interface {
	ListAll(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	SetStock(ctx context.Context, id int64, quantity int) (int, *domain.Product, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type ActivityLogger interface {
	LogActivity(ctx context.Context, kind domain.ActivityKind, message string) error
}

type Handler struct {
	repo      Store
	audit     ActivityLogger
	publisher EventPublisher
	logger    *slog.Logger
}

// NewHandler builds the products handler. publisher may be nil when Kafka
// is not configured.
func NewHandler(repo Store, audit ActivityLogger, publisher EventPublisher, logger *slog.Logger) *Handler {
	return &Handler{
		repo:      repo,
		audit:     audit,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *Handler) HandleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.repo.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("products listed", "count", len(products))
	h.writeJSON(w, http.StatusOK, products)
}

func (h *Handler) HandleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	product, err := h.repo.GetProduct(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	h.writeJSON(w, http.StatusOK, product)
}

type setStockRequest struct {
	Stock *int `json:"stock"`
}

func (h *Handler) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	var req setStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Stock == nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if *req.Stock > domain.MaxQuantity {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("stock must not exceed %d", domain.MaxQuantity))
		return
	}

	previous, product, err := h.repo.SetStock(r.Context(), id, *req.Stock)
	if err != nil {
		if errors.Is(err, ErrNegativeStock) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to set stock", "error", err, "product_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	h.recordAdjustment(r.Context(), product, previous)

	h.logger.Info("stock adjusted", "product_id", id, "previous", previous, "stock", product.Stock)
	h.writeJSON(w, http.StatusOK, product)
}

func (h *Handler) recordAdjustment(ctx context.Context, product *domain.Product, previous int) {
	msg := fmt.Sprintf("stock of %s (%s) set from %d to %d", product.Name, product.SKU, previous, product.Stock)
	if err := h.audit.LogActivity(ctx, domain.ActivityStockAdjusted, msg); err != nil {
		h.logger.Warn("failed to log activity", "error", err, "product_id", product.ID)
	}

	if h.publisher == nil {
		return
	}

	event := domain.StockChangedEvent{
		ProductID: product.ID,
		SKU:       product.SKU,
		Name:      product.Name,
		Previous:  previous,
		Current:   product.Stock,
		Reason:    domain.StockChangeAdjustment,
		Timestamp: time.Now().UTC(),
	}
	if err := h.publisher.Publish(ctx, strconv.FormatInt(product.ID, 10), event); err != nil {
		h.logger.Warn("failed to publish stock changed event", "error", err, "product_id", product.ID)
	}
}

func (h *Handler) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid product id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
