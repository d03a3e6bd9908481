package worker

import (
	"context"
	"time"

	"pos-sync/internal/broker"
	"pos-sync/internal/service"
	"pos-sync/internal/util"

	"go.uber.org/zap"
)

// CatalogWorker applies catalog and promo updates pushed by the backend
type CatalogWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCatalogWorker creates a new catalog worker
func NewCatalogWorker(consumer *broker.Consumer, catalog *service.CatalogClient) *CatalogWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnCatalogUpdated(catalog.ApplyCatalogEvent)
	eventHandler.OnPromoUpdated(catalog.ApplyPromoEvent)

	return &CatalogWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *CatalogWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting catalog worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CatalogWorker) Stop() error {
	w.logger.Info("Stopping catalog worker")
	return w.consumer.Close()
}

// HealthChecker probes the backend
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ConnectivityWorker polls backend health and forwards every observation
// to the sink, which acts only on transitions
type ConnectivityWorker struct {
	checker  HealthChecker
	sink     service.ConnectivitySink
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewConnectivityWorker creates a new connectivity worker
func NewConnectivityWorker(checker HealthChecker, sink service.ConnectivitySink, interval time.Duration) *ConnectivityWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &ConnectivityWorker{
		checker:  checker,
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		logger:   util.GetLogger(),
	}
}

// Start polls until ctx is cancelled. The first probe runs immediately.
func (w *ConnectivityWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting connectivity worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.Probe(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Connectivity worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probe runs one health check and reports the result
func (w *ConnectivityWorker) Probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	err := w.checker.Health(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	status := service.Status{Online: healthy, ServerHealthy: healthy}
	if err := w.sink.HandleConnectivity(ctx, status); err != nil {
		w.logger.Warn("Reconciliation finished with errors", zap.Error(err))
	}
}
