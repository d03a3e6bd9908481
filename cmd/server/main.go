package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pos-sync/config"
	"pos-sync/internal/api"
	"pos-sync/internal/broker"
	"pos-sync/internal/cart"
	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/pricing"
	"pos-sync/internal/queue"
	"pos-sync/internal/redisclient"
	"pos-sync/internal/remote"
	"pos-sync/internal/scan"
	"pos-sync/internal/service"
	"pos-sync/internal/store"
	"pos-sync/internal/util"
	"pos-sync/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting pos-sync", zap.String("store", cfg.Store.Driver))

	tp, err := util.InitTracer("pos-sync", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// The catalog always lives in SQL; Postgres when selected, SQLite otherwise
	catalogDriver, catalogDSN := store.DriverSQLite, cfg.Store.SQLitePath
	if cfg.Store.Driver == "postgres" {
		catalogDriver, catalogDSN = store.DriverPostgres, cfg.Store.DatabaseURL
	}
	db, err := store.NewStore(catalogDriver, catalogDSN)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()
	logger.Info("Store opened", zap.String("driver", catalogDriver))

	var (
		kvStore kv.Store = db
		locker  queue.Locker
	)
	switch cfg.Store.Driver {
	case "redis":
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected")
		kvStore = redisClient
		locker = redisClient.NewLocker("drain", cfg.Sync.LockStaleAfter)
	case "memory":
		kvStore = kv.NewMemory()
	}
	if locker == nil {
		locker = queue.NewKVLock(kvStore, cfg.Sync.LockStaleAfter)
	}

	ctx := context.Background()

	offlineQueue := queue.NewQueue(kvStore, locker)
	if recovered, err := offlineQueue.RecoverStaleLock(ctx); err != nil {
		logger.Error("Failed to recover sync lock", zap.Error(err))
	} else if recovered {
		logger.Warn("Recovered stale sync lock from a previous run")
	}

	backend := remote.NewClient(remote.Config{
		BaseURL:          cfg.Remote.BaseURL,
		Timeout:          cfg.Remote.Timeout,
		LookupRate:       cfg.Remote.LookupRate,
		LookupBurst:      cfg.Remote.LookupBurst,
		FailureThreshold: uint32(cfg.Remote.FailureThreshold),
		OpenTimeout:      cfg.Remote.OpenTimeout,
	})

	submit := queue.SubmitFunc(backend.SubmitCheckout)
	var pusher service.CartPusher = backend
	var producers []*broker.Producer
	if cfg.Kafka.Enabled {
		checkoutProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckouts)
		cartProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCart)
		producers = append(producers, checkoutProducer, cartProducer)
		logger.Info("Kafka producers initialized")

		publisher := broker.NewEventPublisher(checkoutProducer, cartProducer)
		submit = publisher.SubmitCheckout
		pusher = publisher
	}
	defer func() {
		for _, p := range producers {
			if err := p.Close(); err != nil {
				logger.Error("Failed to close producer", zap.Error(err))
			}
		}
	}()

	catalog := service.NewCatalogClient(db, backend)

	posCart := cart.New(kvStore)
	if err := posCart.Restore(ctx); err != nil {
		logger.Error("Failed to restore cart snapshot", zap.Error(err))
	}

	coordinator := service.NewSyncCoordinator(service.SyncConfig{
		PushDebounce:  cfg.Sync.PushDebounce,
		SubmitTimeout: cfg.Sync.SubmitTimeout,
	}, offlineQueue, submit, catalog, pusher, scan.RealClock())
	posCart.OnChange(coordinator.CartChanged)

	checkout := service.NewCheckoutService(posCart, catalog, offlineQueue, submit, coordinator, kvStore, service.CheckoutConfig{
		Caps: pricing.Caps{
			PurchaseCap:     cfg.Discount.PurchaseCap,
			DiscountCap:     cfg.Discount.DiscountCap,
			EligibilityRate: cfg.Discount.EligibilityRate,
		},
		Loyalty: models.LoyaltyConfig{
			PointsToCurrencyRate: cfg.Loyalty.PointsToCurrencyRate,
			MaxRedeemPercent:     cfg.Loyalty.MaxRedeemPercent,
			EarnRate:             cfg.Loyalty.EarnRate,
			Enabled:              cfg.Loyalty.Enabled,
		},
		SubmitTimeout: cfg.Sync.SubmitTimeout,
	})

	buffer := scan.NewBuffer(scan.Config{
		Threshold:         cfg.Scan.Threshold,
		Window:            cfg.Scan.Window,
		Lock:              cfg.Scan.Lock,
		Reset:             cfg.Scan.Reset,
		HoldUntilResolved: cfg.Scan.HoldUntilResolved,
	}, scan.RealClock())
	scans := service.NewScanService(buffer, catalog, posCart)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	connectivityWorker := worker.NewConnectivityWorker(backend, coordinator, cfg.Sync.HealthInterval)
	go func() {
		if err := connectivityWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Connectivity worker error", zap.Error(err))
		}
	}()

	var catalogWorker *worker.CatalogWorker
	if cfg.Kafka.Enabled {
		catalogConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCatalog, cfg.Kafka.ConsumerGroup)
		catalogWorker = worker.NewCatalogWorker(catalogConsumer, catalog)
		go func() {
			if err := catalogWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Catalog worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(scans, posCart, catalog, checkout, coordinator, offlineQueue)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
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
	if catalogWorker != nil {
		if err := catalogWorker.Stop(); err != nil {
			logger.Error("Failed to stop catalog worker", zap.Error(err))
		}
	}

	if err := coordinator.Teardown(shutdownCtx, true); err != nil {
		logger.Warn("Final cart push failed", zap.Error(err))
	}
	coordinator.Close()
	scans.Close()

	logger.Info("Server exited")
}
