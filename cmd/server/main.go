package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rental-service/config"
	"rental-service/internal/api"
	"rental-service/internal/broker"
	"rental-service/internal/payment"
	"rental-service/internal/redisclient"
	"rental-service/internal/service"
	"rental-service/internal/store"
	"rental-service/internal/util"
	"rental-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	retryBatch  = 50
	workerLease = 2 * time.Minute
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting rental service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}
	migrateCancel()
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

	paymentCache := redisclient.NewPaymentCache(redisClient, cfg.Redis.PaymentCacheTTL)

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	registry := payment.BuildRegistry(context.Background(), cfg.Payment, logger)

	bookingService := service.NewBookingService(db, eventPublisher, service.BookingConfig{
		DeliveryFee: cfg.Business.DeliveryFee,
		MaxAttempts: cfg.Business.BookingMaxAttempts,
	})
	orderService := service.NewOrderService(db, eventPublisher)
	settlement := service.NewSettlement(db, paymentCache, eventPublisher)
	paymentService := service.NewPaymentService(db, registry, settlement, paymentCache, eventPublisher)
	reconciler := service.NewReconciler(db, registry, settlement, service.RetryPolicy{
		MaxAttempts: cfg.Business.CallbackMaxAttempts,
		BaseDelay:   cfg.Business.CallbackRetryInterval,
	})
	ledger := service.NewLedgerService(db, orderService, redisClient, cfg.Business.PendingOrderTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var wg sync.WaitGroup

	callbackConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentCallbacks, cfg.Kafka.ConsumerGroup)
	callbackWorker := worker.NewCallbackWorker(callbackConsumer, reconciler)

	periodic := []*worker.Periodic{
		worker.NewPeriodic("callback-retry", cfg.Business.CallbackRetryInterval,
			worker.RetryJob(reconciler, redisClient, retryBatch, workerLease)),
		worker.NewPeriodic("ledger-sweep", cfg.Business.SweepInterval,
			worker.SweepJob(ledger, workerLease)),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := callbackWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Callback worker error", zap.Error(err))
		}
	}()
	for _, p := range periodic {
		wg.Add(1)
		go func(p *worker.Periodic) {
			defer wg.Done()
			_ = p.Start(workerCtx)
		}(p)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Bookings:   bookingService,
		Orders:     orderService,
		Payments:   paymentService,
		Reconciler: reconciler,
	}, api.Options{
		WebhookRateLimit: cfg.Business.WebhookRateLimit,
		WebhookRateBurst: cfg.Business.WebhookRateBurst,
		Readiness: map[string]api.Pinger{
			"database": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := callbackWorker.Stop(); err != nil {
		logger.Warn("Error closing callback consumer", zap.Error(err))
	}
	wg.Wait()

	logger.Info("Server exited")
}
