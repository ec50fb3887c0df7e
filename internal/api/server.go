package api

import (
	"context"
	"net/http"
	"time"

	"example.com/parkwise/services/pipeline/config"
	"example.com/parkwise/services/pipeline/internal/api/handlers"
	"example.com/parkwise/services/pipeline/internal/api/middleware"
	"example.com/parkwise/services/pipeline/internal/metrics"
	"example.com/parkwise/services/pipeline/internal/services"
	"example.com/parkwise/services/pipeline/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server

	billing   *services.BillingService
	analytics *services.AnalyticsService
	cache     handlers.InvoiceCache
	searcher  handlers.InvoiceSearcher
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
}

// NewServer creates a new HTTP server. cache and searcher may be nil when
// the environment runs without Redis or Elasticsearch.
func NewServer(cfg config.Config, billing *services.BillingService, analytics *services.AnalyticsService, invoiceCache handlers.InvoiceCache, searcher handlers.InvoiceSearcher, m *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:    cfg,
		billing:   billing,
		analytics: analytics,
		cache:     invoiceCache,
		searcher:  searcher,
		metrics:   m,
		tracer:    tracer,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      server.router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	billingHandler := handlers.NewBillingHandler(s.billing, s.cache, s.searcher, s.tracer)
	billingHandler.RegisterRoutes(router)

	analyticsHandler := handlers.NewAnalyticsHandler(s.analytics, s.tracer)
	analyticsHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
