package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pos-sync/internal/models"
	"pos-sync/internal/queue"
	"pos-sync/internal/remote"
	"pos-sync/internal/scan"
	"pos-sync/internal/util"

	"go.uber.org/zap"
)

// Status is a connectivity observation
type Status struct {
	Online        bool `json:"online"`
	ServerHealthy bool `json:"server_healthy"`
}

// Available reports whether the backend can be used
func (s Status) Available() bool {
	return s.Online && s.ServerHealthy
}

// ConnectivitySink receives connectivity changes
type ConnectivitySink interface {
	HandleConnectivity(ctx context.Context, status Status) error
}

// CartPusher stores the cart remotely
type CartPusher interface {
	PushCart(ctx context.Context, snapshot models.CartSnapshot) error
}

// CatalogSyncer reconciles the local catalog with the backend
type CatalogSyncer interface {
	SyncCatalog(ctx context.Context) (bool, error)
}

// SyncConfig tunes the coordinator
type SyncConfig struct {
	PushDebounce  time.Duration
	SubmitTimeout time.Duration
	PushTimeout   time.Duration
}

// SyncCoordinator reacts to connectivity changes: it drains the offline
// queue, reconciles the catalog and pushes the cart, and it debounces cart
// pushes between changes.
type SyncCoordinator struct {
	queue     *queue.Queue
	submit    queue.SubmitFunc
	catalog   CatalogSyncer
	pusher    CartPusher
	debouncer *scan.Debouncer
	cfg       SyncConfig
	logger    *zap.Logger

	mu        sync.Mutex
	available bool
	pending   *models.CartSnapshot
}

// NewSyncCoordinator creates a new sync coordinator. A nil clock means wall time.
func NewSyncCoordinator(
	cfg SyncConfig,
	queue *queue.Queue,
	submit queue.SubmitFunc,
	catalog CatalogSyncer,
	pusher CartPusher,
	clock scan.Clock,
) *SyncCoordinator {
	if cfg.PushDebounce <= 0 {
		cfg.PushDebounce = 2 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	return &SyncCoordinator{
		queue:     queue,
		submit:    submit,
		catalog:   catalog,
		pusher:    pusher,
		debouncer: scan.NewDebouncer(clock),
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// Online reports the last observed availability
func (sc *SyncCoordinator) Online() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.available
}

// HandleConnectivity records status. On a transition to available it drains
// the queue, reconciles the catalog when stale, and flushes the pending cart
// push, in that order. Each step runs even if an earlier one failed.
func (sc *SyncCoordinator) HandleConnectivity(ctx context.Context, status Status) error {
	sc.mu.Lock()
	wasAvailable := sc.available
	sc.available = status.Available()
	sc.mu.Unlock()

	if wasAvailable == status.Available() {
		return nil
	}
	if !status.Available() {
		util.ConnectivityTransitionsTotal.WithLabelValues("offline").Inc()
		sc.logger.Warn("Backend unavailable",
			zap.Bool("online", status.Online),
			zap.Bool("server_healthy", status.ServerHealthy))
		return nil
	}

	ctx, span := util.StartSpan(ctx, "SyncCoordinator.HandleConnectivity")
	defer span.End()

	util.ConnectivityTransitionsTotal.WithLabelValues("online").Inc()
	sc.logger.Info("Backend available, starting reconciliation")

	var errs []error
	if _, err := sc.Drain(ctx); err != nil {
		errs = append(errs, err)
	}

	if sc.catalog != nil {
		if _, err := sc.catalog.SyncCatalog(ctx); err != nil {
			sc.logger.Warn("Catalog reconciliation failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("catalog reconciliation: %w", err))
		}
	}

	if !sc.debouncer.Flush() {
		if err := sc.pushPending(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	util.RecordError(span, err)
	return err
}

// Drain submits the offline queue, bounding each submission by the submit timeout
func (sc *SyncCoordinator) Drain(ctx context.Context) (queue.DrainResult, error) {
	if sc.submit == nil {
		return queue.DrainResult{}, nil
	}
	result, err := sc.queue.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
		submitCtx, cancel := context.WithTimeout(ctx, sc.cfg.SubmitTimeout)
		defer cancel()
		err := sc.submit(submitCtx, payload)
		if errors.Is(err, remote.ErrRejected) {
			return queue.Reject(err)
		}
		return err
	})
	if err != nil {
		sc.logger.Error("Queue drain failed", zap.Error(err))
		return result, fmt.Errorf("drain: %w", err)
	}
	return result, nil
}

// CartChanged schedules a cart push, replacing any push not yet sent. The
// snapshot of an ended session arms nothing: Teardown has already decided
// what happens to the pending push.
func (sc *SyncCoordinator) CartChanged(snapshot models.CartSnapshot) {
	if !snapshot.Session.Active {
		sc.debouncer.Cancel()
		return
	}

	sc.mu.Lock()
	sc.pending = &snapshot
	sc.mu.Unlock()

	sc.debouncer.Schedule(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sc.cfg.PushTimeout)
		defer cancel()
		_ = sc.pushPending(ctx)
	}, sc.cfg.PushDebounce)
}

// Teardown runs before session teardown or logout. With flush the pending
// push is sent now; without it the push is dropped.
func (sc *SyncCoordinator) Teardown(ctx context.Context, flush bool) error {
	sc.debouncer.Cancel()
	if flush {
		return sc.pushPending(ctx)
	}

	sc.mu.Lock()
	sc.pending = nil
	sc.mu.Unlock()
	return nil
}

// Close cancels the coordinator's timers
func (sc *SyncCoordinator) Close() {
	sc.debouncer.Close()
}

// pushPending sends the pending snapshot. While unavailable the snapshot is
// kept for the next transition.
func (sc *SyncCoordinator) pushPending(ctx context.Context) error {
	sc.mu.Lock()
	snap := sc.pending
	if snap == nil || sc.pusher == nil {
		sc.mu.Unlock()
		return nil
	}
	if !sc.available {
		sc.mu.Unlock()
		util.CartPushesTotal.WithLabelValues("deferred").Inc()
		return nil
	}
	sc.pending = nil
	sc.mu.Unlock()

	if err := sc.pusher.PushCart(ctx, *snap); err != nil {
		util.CartPushesTotal.WithLabelValues("failed").Inc()
		sc.logger.Warn("Cart push failed",
			zap.String("session_id", snap.Session.SessionID),
			zap.Error(err))

		sc.mu.Lock()
		if sc.pending == nil {
			sc.pending = snap
		}
		sc.mu.Unlock()
		return fmt.Errorf("cart push: %w", err)
	}

	util.CartPushesTotal.WithLabelValues("pushed").Inc()
	sc.logger.Debug("Cart pushed",
		zap.String("session_id", snap.Session.SessionID),
		zap.Int64("version", snap.Version))
	return nil
}
