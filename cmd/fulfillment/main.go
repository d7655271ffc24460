package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	app_orders "fulfillment/internal/app/orders"
	"fulfillment/internal/config"
	orders_http "fulfillment/internal/handler/http/orders"
	"fulfillment/internal/infrastructure/database"
	kafka_infra "fulfillment/internal/infrastructure/kafka"
	"fulfillment/internal/outbox"
	"fulfillment/internal/payout"
	"fulfillment/internal/queue"
	"fulfillment/internal/refnum"
	orderpg "fulfillment/internal/repository/order_repo/postgres"
	outboxpg "fulfillment/internal/repository/outbox_repo/postgres"
	queuepg "fulfillment/internal/repository/queue_repo/postgres"
	"fulfillment/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	appLogger.Info("Fulfillment service starting...")

	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	var db *sql.DB
	maxRetries := 10
	retryDelay := 5 * time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			appLogger.Info("Connected to PostgreSQL database")
			break
		}
		appLogger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...", i+1, maxRetries, err, retryDelay))
		time.Sleep(retryDelay)
	}
	if db == nil {
		appLogger.Fatal("Could not connect to database after multiple retries. Exiting.", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("Error closing database connection", zap.Error(err))
		}
	}()

	appLogger.Info("Running database migrations...")
	m, err := migrate.New(cfg.MigrationsPath, cfg.GetDBMigrationConnectionString())
	if err != nil {
		appLogger.Fatal("Failed to create migrate instance", zap.Error(err))
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		appLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	appLogger.Info("Database migrations completed")

	txManager := database.NewTxManager(db)
	orderRepository := orderpg.NewOrderRepository()
	queueRepository := queuepg.NewQueueRepository()
	outboxRepository := outboxpg.NewOutboxRepository()

	orderService := app_orders.NewOrderService(
		db,
		txManager,
		orderRepository,
		queueRepository,
		outboxRepository,
		refnum.NewRandomGenerator(),
		cfg.KafkaOrderStatusTopic,
		appLogger.With(zap.String("component", "OrderService")),
	)

	fulfillmentQueue := queue.NewPostgresQueue(
		db,
		queueRepository,
		queue.Config{
			PollInterval: cfg.QueuePollInterval,
			Lease:        cfg.QueueLease,
		},
		appLogger.With(zap.String("component", "FulfillmentQueue")),
	)

	payoutClient := payout.NewHTTPClient(
		cfg.PayoutProviderURL,
		cfg.PayoutProviderAPIKey,
		cfg.PayoutRequestTimeout,
		appLogger.With(zap.String("component", "PayoutClient")),
	)

	workerPool := worker.NewPool(
		worker.Config{
			Workers: cfg.WorkerCount,
			Policy: worker.RetryPolicy{
				MaxAttempts: cfg.MaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
			},
			StaleClaimAfter: cfg.QueueLease,
		},
		fulfillmentQueue,
		orderService,
		payoutClient,
		appLogger.With(zap.String("component", "FulfillmentWorker")),
	)

	kafkaProducer := kafka_infra.NewProducer(
		cfg.GetKafkaBrokers(),
		appLogger.With(zap.String("component", "KafkaProducer")),
	)
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			appLogger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}()

	outboxProcessor := outbox.NewProcessor(
		txManager,
		outboxRepository,
		kafkaProducer,
		cfg.OutboxPollInterval,
		appLogger.With(zap.String("component", "OutboxProcessor")),
	)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	orders_http.RegisterRoutes(router, orderService, appLogger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	ctxMain, cancelMain := context.WithCancel(context.Background())

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	workerPool.Start(ctxMain)

	go outboxProcessor.Start(ctxMain)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	appLogger.Info("Shutting down...")

	cancelMain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server shut down")
	}

	// Workers nack any in-flight entry on cancellation; wait for them so no
	// claim is abandoned without queue bookkeeping.
	poolDone := make(chan struct{})
	go func() {
		workerPool.Wait()
		close(poolDone)
	}()
	select {
	case <-poolDone:
		appLogger.Info("Worker pool drained")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker pool did not drain before shutdown deadline")
	}

	appLogger.Info("Fulfillment service stopped")
}
