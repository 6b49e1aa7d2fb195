package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Pacies/2k-ims/internal/domain"
	"github.com/Pacies/2k-ims/internal/messaging"
)

const stockChangedEventType = "domain.StockChangedEvent"

// ErrMalformedEvent marks payloads that can never be processed. The worker
// skips them instead of retrying.
var ErrMalformedEvent = errors.New("malformed stock event")

type ActivityLogger interface {
	LogActivity(ctx context.Context, kind domain.ActivityKind, message string) error
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Alert is raised when a product's stock status worsens to low or out of
// stock.
type Alert struct {
	ProductID      int64              `json:"product_id"`
	SKU            string             `json:"sku"`
	Name           string             `json:"name"`
	Stock          int                `json:"stock"`
	Status         domain.StockStatus `json:"status"`
	PreviousStatus domain.StockStatus `json:"previous_status"`
	Reason         string             `json:"reason"`
	RaisedAt       time.Time          `json:"raised_at"`
}

func (a Alert) message() string {
	return fmt.Sprintf("%s (%s) is %s: %d left after %s",
		a.Name, a.SKU, a.Status, a.Stock, a.Reason)
}

type StockAlertHandler struct {
	activity  ActivityLogger
	notifier  Notifier
	threshold int
	logger    *slog.Logger
	now       func() time.Time
}

// NewStockAlertHandler builds the handler. notifier may be nil when no
// webhook is configured.
func NewStockAlertHandler(activity ActivityLogger, notifier Notifier, threshold int, logger *slog.Logger) *StockAlertHandler {
	return &StockAlertHandler{
		activity:  activity,
		notifier:  notifier,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *StockAlertHandler) Handle(ctx context.Context, msg messaging.Message) error {
	if msg.EventType != "" && msg.EventType != stockChangedEventType {
		h.logger.Debug("ignoring event", "event_type", msg.EventType, "key", msg.Key)
		return nil
	}

	var event domain.StockChangedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if event.ProductID == 0 {
		return fmt.Errorf("%w: missing product_id", ErrMalformedEvent)
	}

	alert, ok := h.evaluate(event)
	if !ok {
		return nil
	}

	if err := h.activity.LogActivity(ctx, domain.ActivityStockAlert, alert.message()); err != nil {
		return fmt.Errorf("record stock alert for product %d: %w", event.ProductID, err)
	}

	h.logger.Warn("stock alert", "product_id", alert.ProductID, "sku", alert.SKU,
		"status", alert.Status, "stock", alert.Stock)

	if h.notifier != nil {
		if err := h.notifier.Notify(ctx, alert); err != nil {
			h.logger.Warn("failed to deliver stock alert", "error", err, "product_id", alert.ProductID)
		}
	}

	return nil
}

// evaluate reports an alert only when the status changes into low or out of
// stock, so repeated deductions of an already low product stay quiet.
func (h *StockAlertHandler) evaluate(event domain.StockChangedEvent) (Alert, bool) {
	previous := domain.StatusFor(event.Previous, h.threshold)
	current := domain.StatusFor(event.Current, h.threshold)

	if current == previous || current == domain.StockStatusInStock {
		return Alert{}, false
	}

	return Alert{
		ProductID:      event.ProductID,
		SKU:            event.SKU,
		Name:           event.Name,
		Stock:          event.Current,
		Status:         current,
		PreviousStatus: previous,
		Reason:         event.Reason,
		RaisedAt:       h.now().UTC(),
	}, true
}
