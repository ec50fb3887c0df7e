package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/parkwise/services/pipeline/config"
	"example.com/parkwise/services/pipeline/internal/cache"
	"example.com/parkwise/services/pipeline/internal/eventbus"
	"example.com/parkwise/services/pipeline/internal/events"
	"example.com/parkwise/services/pipeline/internal/metrics"
	"example.com/parkwise/services/pipeline/internal/models"
	"example.com/parkwise/services/pipeline/internal/notify"
	"example.com/parkwise/services/pipeline/internal/payment"
	"example.com/parkwise/services/pipeline/internal/repositories"
	"example.com/parkwise/services/pipeline/internal/search"
	"example.com/parkwise/services/pipeline/internal/services"
	"example.com/parkwise/services/pipeline/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes occupancy events and runs the billing, notification and analytics pipelines`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabasesForWorker(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing with local attempt tracking")
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
	metricsCollector.SetHealth("database", true)

	// Initialize the event bus
	attempts := attemptStore(redisCache)
	bus, err := newEventBus(cfg, attempts)
	if err != nil {
		return err
	}
	defer bus.Close()

	// Initialize notification senders
	var emailSender notify.EmailSender
	if cfg.SMTP.Enabled {
		emailSender = notify.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	}
	smsSink := notify.NewLogSink("sms")
	var pushSink notify.PushSink
	if redisCache != nil {
		pushSink = notify.NewRedisPushSink(redisCache.Client())
	} else {
		pushSink = notify.NewLogSink("push")
	}

	// Initialize services
	billingRepo := repositories.NewBillingRepository(db, readOnlyDB)
	notificationRepo := repositories.NewNotificationRepository(db, readOnlyDB)
	analyticsRepo := repositories.NewAnalyticsRepository(db, readOnlyDB)

	gateway := payment.NewSimulatedGateway(cfg.Billing.ApprovalRate, time.Now().UnixNano())
	var indexer services.InvoiceIndexer
	if elasticClient != nil {
		indexer = elasticClient
	}
	billingService := services.NewBillingService(billingRepo, bus, gateway, indexer, metricsCollector, cfg.Billing.DueDays)
	notificationService := services.NewNotificationService(notificationRepo, emailSender, smsSink, pushSink)
	analyticsService := services.NewAnalyticsService(analyticsRepo)

	// Register every (event, subscriber) pair; each gets its own durable queue
	registry := eventbus.NewRegistry()
	registry.Subscribe(events.SpotFreedName, repositories.ConsumerBilling,
		traced(tracer, metricsCollector, "billing-spot-freed", billingService.HandleSpotFreed))

	registry.Subscribe(events.SpotOccupiedName, repositories.ConsumerNotification,
		traced(tracer, metricsCollector, "notification-spot-occupied", notificationService.HandleSpotOccupied))
	registry.Subscribe(events.SpotFreedName, repositories.ConsumerNotification,
		traced(tracer, metricsCollector, "notification-spot-freed", notificationService.HandleSpotFreed))
	registry.Subscribe(events.PaymentProcessedName, repositories.ConsumerNotification,
		traced(tracer, metricsCollector, "notification-payment-processed", notificationService.HandlePaymentProcessed))

	registry.Subscribe(events.SpotOccupiedName, repositories.ConsumerAnalytics,
		traced(tracer, metricsCollector, "analytics-spot-occupied", analyticsService.HandleSpotOccupied))
	registry.Subscribe(events.SpotFreedName, repositories.ConsumerAnalytics,
		traced(tracer, metricsCollector, "analytics-spot-freed", analyticsService.HandleSpotFreed))

	// Start consuming
	g.Go(func() error {
		log.Info().Str("driver", cfg.Bus.Driver).Msg("Starting event bus consumers")
		return bus.Start(ctx, registry)
	})

	// Start the overdue invoice sweep
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Billing.OverdueSweepInterval).Msg("Starting overdue invoice sweep")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Billing.OverdueSweepInterval),
			gocron.NewTask(func() {
				if _, err := billingService.MarkOverdueInvoices(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to mark overdue invoices")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// traced wraps a handler with a tracer transaction and per-handler timing
func traced(tracer tracing.Tracer, m *metrics.Metrics, name string, h eventbus.Handler) eventbus.Handler {
	return func(ctx context.Context, d eventbus.Delivery) error {
		txn := tracer.StartTransaction(name)
		defer tracer.EndTransaction(txn)
		tracer.AddAttribute(txn, "event", d.EventName)
		tracer.AddAttribute(txn, "message_id", d.MessageID)

		start := time.Now()
		err := h(ctx, d)
		m.RecordTimer(name, time.Since(start).Milliseconds())
		if err != nil {
			tracer.RecordError(txn, err)
			m.RecordError(name)
		} else {
			m.RecordSuccess(name)
		}
		return err
	}
}

func initDatabasesForWorker(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
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

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}

	// Higher limits for the read side
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}
