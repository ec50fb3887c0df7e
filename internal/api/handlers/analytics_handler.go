package handlers

import (
	"net/http"
	"time"

	"example.com/parkwise/services/pipeline/internal/services"
	"example.com/parkwise/services/pipeline/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// AnalyticsHandler handles analytics HTTP requests
type AnalyticsHandler struct {
	analytics *services.AnalyticsService
	tracer    tracing.Tracer
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(analytics *services.AnalyticsService, tracer tracing.Tracer) *AnalyticsHandler {
	return &AnalyticsHandler{
		analytics: analytics,
		tracer:    tracer,
	}
}

// HandleGetDailyMetrics returns the aggregates for one calendar day
func (h *AnalyticsHandler) HandleGetDailyMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-daily-metrics")
	defer h.tracer.EndTransaction(txn)

	day, err := time.Parse("2006-01-02", c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
		return
	}

	metrics, err := h.analytics.MetricsForDay(c, day)
	if err != nil {
		log.Error().Err(err).Str("date", c.Param("date")).Msg("Failed to get daily metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}
	if metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metrics for day"})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// RegisterRoutes registers the handler's routes
func (h *AnalyticsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/analytics/daily/:date", h.HandleGetDailyMetrics)
}
