package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/parkwise/services/pipeline/config"
	"example.com/parkwise/services/pipeline/internal/api"
	"example.com/parkwise/services/pipeline/internal/api/handlers"
	"example.com/parkwise/services/pipeline/internal/cache"
	"example.com/parkwise/services/pipeline/internal/eventbus"
	"example.com/parkwise/services/pipeline/internal/metrics"
	"example.com/parkwise/services/pipeline/internal/models"
	"example.com/parkwise/services/pipeline/internal/payment"
	"example.com/parkwise/services/pipeline/internal/repositories"
	"example.com/parkwise/services/pipeline/internal/search"
	"example.com/parkwise/services/pipeline/internal/services"
	"example.com/parkwise/services/pipeline/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for payments, invoice queries and analytics`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
			redisCache = nil
		}
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = &tracing.NewRelicTracer{}
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the event bus, publish side only
	attempts := attemptStore(redisCache)
	bus, err := newEventBus(cfg, attempts)
	if err != nil {
		return err
	}
	defer bus.Close()

	// Initialize services
	billingRepo := repositories.NewBillingRepository(db, readOnlyDB)
	analyticsRepo := repositories.NewAnalyticsRepository(db, readOnlyDB)
	gateway := payment.NewSimulatedGateway(cfg.Billing.ApprovalRate, time.Now().UnixNano())

	var indexer services.InvoiceIndexer
	var searcher handlers.InvoiceSearcher
	if elasticClient != nil {
		indexer = elasticClient
		searcher = elasticClient
	}
	billingService := services.NewBillingService(billingRepo, bus, gateway, indexer, metricsCollector, cfg.Billing.DueDays)
	analyticsService := services.NewAnalyticsService(analyticsRepo)

	var invoiceCache handlers.InvoiceCache
	if redisCache != nil {
		invoiceCache = redisCache
	}

	// Initialize and start the server
	server := api.NewServer(cfg, billingService, analyticsService, invoiceCache, searcher, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, readOnlyDB, nil
}

// attemptStore picks the delivery attempt counter: Redis when available so
// the count survives restarts, process-local otherwise.
func attemptStore(redisCache *cache.RedisCache) eventbus.AttemptStore {
	if redisCache != nil {
		return redisCache
	}
	return eventbus.NewLocalAttempts()
}

// newEventBus builds the configured transport
func newEventBus(cfg config.Config, attempts eventbus.AttemptStore) (eventbus.Bus, error) {
	switch cfg.Bus.Driver {
	case "rabbitmq":
		return eventbus.NewRabbitBus(cfg.Bus, attempts)
	case "servicebus":
		return eventbus.NewAzureBus(cfg.Bus)
	case "memory":
		return eventbus.NewMemoryBus(cfg.Bus.MaxAttempts), nil
	default:
		return nil, errors.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}
