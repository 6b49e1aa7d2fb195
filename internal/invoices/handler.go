package invoices

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Pacies/2k-ims/internal/domain"
)

const dateLayout = "2006-01-02"

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

type createInvoiceRequest struct {
	CustomerName    string              `json:"customer_name"`
	CustomerContact string              `json:"customer_contact"`
	Items           []CreateInvoiceItem `json:"items"`
	IssueDate       string              `json:"issue_date"`
	DueDate         string              `json:"due_date"`
	TaxRate         decimal.Decimal     `json:"tax_rate"`
	Notes           string              `json:"notes"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	issue, err := parseDate("issue_date", req.IssueDate)
	if err != nil {
		h.writeServiceError(w, err, "failed to create invoice")
		return
	}
	due, err := parseDate("due_date", req.DueDate)
	if err != nil {
		h.writeServiceError(w, err, "failed to create invoice")
		return
	}

	inv, err := h.service.Create(r.Context(), CreateInvoiceInput{
		CustomerName:    req.CustomerName,
		CustomerContact: req.CustomerContact,
		Items:           req.Items,
		IssueDate:       issue,
		DueDate:         due,
		TaxRate:         req.TaxRate,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to create invoice")
		return
	}

	h.logger.Info("invoice created", "invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber, "customer", inv.CustomerName)
	h.writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing invoice id")
		return
	}

	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get invoice", "invoice_id", id)
		return
	}

	h.writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.service.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "failed to list invoices")
		return
	}

	h.logger.Info("invoices listed", "count", len(invoices))
	h.writeJSON(w, http.StatusOK, invoices)
}

func (h *Handler) HandleFulfill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing invoice id")
		return
	}

	inv, err := h.service.Fulfill(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to fulfill invoice", "invoice_id", id)
		return
	}

	h.writeJSON(w, http.StatusOK, inv)
}

type updateStatusRequest struct {
	Status domain.InvoiceStatus `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing invoice id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inv, err := h.service.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeServiceError(w, err, "failed to update invoice status", "invoice_id", id)
		return
	}

	h.writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing invoice id")
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "failed to delete invoice", "invoice_id", id)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type shortfallResponse struct {
	Error      string      `json:"error"`
	Shortfalls []Shortfall `json:"shortfalls"`
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, args ...any) {
	var (
		validation *ValidationError
		short      *InsufficientStockError
	)

	switch {
	case errors.As(err, &validation):
		h.writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &short):
		h.writeJSON(w, http.StatusConflict, shortfallResponse{
			Error:      "insufficient stock",
			Shortfalls: short.Shortfalls,
		})
	case errors.Is(err, ErrAlreadyFulfilled), errors.Is(err, ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(msg, append([]any{"error", err}, args...)...)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseDate accepts a calendar date or a full RFC 3339 timestamp. An empty
// value yields the zero time and is rejected by validation.
func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Time{}, &ValidationError{Field: field, Reason: "must be a date in YYYY-MM-DD form"}
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
