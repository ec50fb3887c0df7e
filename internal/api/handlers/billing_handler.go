package handlers

import (
	"context"
	"net/http"
	"time"

	"example.com/parkwise/services/pipeline/internal/cache"
	"example.com/parkwise/services/pipeline/internal/models"
	"example.com/parkwise/services/pipeline/internal/services"
	"example.com/parkwise/services/pipeline/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// InvoiceCache is the slice of the cache the handler needs
type InvoiceCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
}

// InvoiceSearcher runs free-form invoice queries against the search index
type InvoiceSearcher interface {
	SearchInvoices(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error)
}

// BillingHandler handles invoice and payment HTTP requests
type BillingHandler struct {
	billing  *services.BillingService
	cache    InvoiceCache    // optional
	searcher InvoiceSearcher // optional
	tracer   tracing.Tracer
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(billing *services.BillingService, invoiceCache InvoiceCache, searcher InvoiceSearcher, tracer tracing.Tracer) *BillingHandler {
	return &BillingHandler{
		billing:  billing,
		cache:    invoiceCache,
		searcher: searcher,
		tracer:   tracer,
	}
}

// PaymentRequest represents an incoming payment attempt
type PaymentRequest struct {
	Amount float64 `json:"amount" binding:"required"`
	Method string  `json:"method" binding:"required"`
}

// PaymentResponse represents the settled payment attempt
type PaymentResponse struct {
	TransactionID     uuid.UUID `json:"transaction_id"`
	InvoiceID         uuid.UUID `json:"invoice_id"`
	Status            string    `json:"status"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
	AttemptedAt       time.Time `json:"attempted_at"`
}

// HandleProcessPayment settles a payment attempt against an invoice
func (h *BillingHandler) HandleProcessPayment(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-process-payment")
	defer h.tracer.EndTransaction(txn)

	invoiceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid payment request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	h.tracer.AddAttribute(txn, "invoice_id", invoiceID.String())
	h.tracer.AddAttribute(txn, "method", req.Method)

	pay, err := h.billing.ProcessPayment(c, invoiceID, req.Amount, req.Method)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvoiceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrInvalidAmount):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrInvoiceNotPayable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Str("invoice_id", invoiceID.String()).Msg("Failed to process payment")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			h.tracer.RecordError(txn, err)
		}
		return
	}

	// The cached copy is stale once the invoice flips to Paid.
	if h.cache != nil {
		if err := h.cache.Delete(c, cache.InvoiceKey(invoiceID.String())); err != nil {
			log.Warn().Err(err).Msg("Failed to invalidate invoice cache")
		}
	}

	resp := PaymentResponse{
		TransactionID: pay.ID,
		InvoiceID:     pay.InvoiceID,
		Status:        string(pay.Status),
		AttemptedAt:   pay.AttemptedAt,
	}
	if pay.AuthorizationCode != nil {
		resp.AuthorizationCode = *pay.AuthorizationCode
	}
	c.JSON(http.StatusCreated, resp)
}

// HandleGetInvoice returns one invoice with its line items
func (h *BillingHandler) HandleGetInvoice(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-invoice")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	if h.cache != nil {
		var cached models.Invoice
		if hit, err := h.cache.Get(c, cache.InvoiceKey(id.String()), &cached); err == nil && hit {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	invoice, err := h.billing.InvoiceByID(c, id)
	if err != nil {
		log.Error().Err(err).Str("invoice_id", id.String()).Msg("Failed to get invoice")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}
	if invoice == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(c, cache.InvoiceKey(id.String()), invoice); err != nil {
			log.Warn().Err(err).Msg("Failed to cache invoice")
		}
	}
	c.JSON(http.StatusOK, invoice)
}

// HandleListCustomerInvoices lists a customer's invoices
func (h *BillingHandler) HandleListCustomerInvoices(c *gin.Context) {
	customerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer id"})
		return
	}

	invoices, err := h.billing.InvoicesByCustomer(c, customerID)
	if err != nil {
		log.Error().Err(err).Str("customer_id", customerID.String()).Msg("Failed to list invoices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

// HandleSearchInvoices queries the search index by customer, status or number
func (h *BillingHandler) HandleSearchInvoices(c *gin.Context) {
	if h.searcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not configured"})
		return
	}

	var must []map[string]interface{}
	if customerID := c.Query("customer_id"); customerID != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"customer_id": customerID},
		})
	}
	if status := c.Query("status"); status != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"status": status},
		})
	}
	if number := c.Query("number"); number != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"number": number},
		})
	}
	if len(must) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one filter is required"})
		return
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
	}
	docs, err := h.searcher.SearchInvoices(c, query)
	if err != nil {
		log.Error().Err(err).Msg("Invoice search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": docs})
}

// RegisterRoutes registers the handler's routes
func (h *BillingHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/invoices/:id/payments", h.HandleProcessPayment)
	router.GET("/invoices/search", h.HandleSearchInvoices)
	router.GET("/invoices/:id", h.HandleGetInvoice)
	router.GET("/customers/:id/invoices", h.HandleListCustomerInvoices)
}
