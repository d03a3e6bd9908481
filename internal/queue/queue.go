// Package queue holds checkouts that could not be posted and drains them
// once the backend is reachable. Every record is keyed by an idempotency
// key; a key is posted at most once across retries, restarts and
// overlapping drains.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/util"

	"go.uber.org/zap"
)

const (
	// TransactionsKey is the KV key holding the queued records
	TransactionsKey = "offline_transactions"
	// SyncedKeysKey remembers recently posted idempotency keys
	SyncedKeysKey = "synced_keys"

	maxSyncedKeys = 500
)

var (
	// ErrMissingIdempotencyKey is returned by Enqueue for records without a key
	ErrMissingIdempotencyKey = errors.New("transaction has no idempotency key")
	// ErrRejected marks a submission error that retrying cannot fix
	ErrRejected = errors.New("transaction rejected")
)

// Reject wraps err so that Drain parks the record instead of retrying it
func Reject(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// SubmitFunc posts one payload remotely
type SubmitFunc func(ctx context.Context, payload json.RawMessage) error

// DrainResult reports one drain. Skipped is set when another drain held the lock.
type DrainResult struct {
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped"`
}

// Queue is the offline transaction queue
type Queue struct {
	store  kv.Store
	locker Locker
	logger *zap.Logger
	now    func() time.Time

	// mu guards every read-modify-write of TransactionsKey and SyncedKeysKey
	mu sync.Mutex
}

// NewQueue creates a queue. A nil locker means a KVLock on the same store.
func NewQueue(store kv.Store, locker Locker) *Queue {
	if locker == nil {
		locker = NewKVLock(store, DefaultLockStaleAfter)
	}
	return &Queue{
		store:  store,
		locker: locker,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Enqueue appends tx unless its key is already queued or was already
// synced. added is false for a duplicate.
func (q *Queue) Enqueue(ctx context.Context, tx models.PendingTransaction) (bool, error) {
	ctx, span := util.StartSpan(ctx, "Queue.Enqueue")
	defer span.End()

	if tx.IdempotencyKey == "" {
		return false, ErrMissingIdempotencyKey
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.loadRecords(ctx)
	if err != nil {
		return false, err
	}
	synced, err := q.loadSyncedKeys(ctx)
	if err != nil {
		return false, err
	}

	if contains(synced, tx.IdempotencyKey) || indexOf(records, tx.IdempotencyKey) >= 0 {
		util.QueueDuplicatesTotal.Inc()
		q.logger.Info("Duplicate transaction ignored",
			zap.String("idempotency_key", tx.IdempotencyKey))
		return false, nil
	}

	tx.Synced = false
	tx.FailureCount = 0
	if tx.EnqueuedAt.IsZero() {
		tx.EnqueuedAt = q.now().UTC()
	}
	records = append(records, tx)
	if err := q.saveRecords(ctx, records); err != nil {
		return false, err
	}

	util.QueueEnqueuedTotal.Inc()
	util.QueueDepth.Set(float64(len(records)))
	q.logger.Info("Transaction queued",
		zap.String("idempotency_key", tx.IdempotencyKey),
		zap.Int("queue_depth", len(records)))
	return true, nil
}

// Drain submits every unsynced record once. Records that fail stay queued
// with FailureCount incremented. A drain that finds the lock held does
// nothing and reports Skipped.
func (q *Queue) Drain(ctx context.Context, submit SubmitFunc) (result DrainResult, err error) {
	ctx, span := util.StartSpan(ctx, "Queue.Drain")
	defer func() {
		util.SetCounts(span, map[string]int{"synced": result.Synced, "failed": result.Failed})
		util.RecordError(span, err)
		span.End()
	}()

	acquired, err := q.locker.Acquire(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !acquired {
		util.QueueDrainsSkippedTotal.Inc()
		q.logger.Debug("Drain skipped, sync lock held")
		return DrainResult{Skipped: true}, nil
	}
	defer func() {
		// context may already be cancelled; the lock must still be released
		if relErr := q.locker.Release(context.Background()); relErr != nil {
			q.logger.Error("Failed to release sync lock", zap.Error(relErr))
			if err == nil {
				err = relErr
			}
		}
	}()

	start := time.Now()
	defer func() {
		util.QueueDrainLatency.Observe(time.Since(start).Seconds())
	}()

	q.mu.Lock()
	records, err := q.loadRecords(ctx)
	var synced []string
	if err == nil {
		synced, err = q.loadSyncedKeys(ctx)
	}
	q.mu.Unlock()
	if err != nil {
		return DrainResult{}, err
	}

	seen := make(map[string]bool, len(records))
	done := make(map[string]bool)
	attempts := make(map[string]attempt)
	for _, rec := range records {
		if rec.Synced || rec.Rejected || seen[rec.IdempotencyKey] || contains(synced, rec.IdempotencyKey) {
			continue
		}
		seen[rec.IdempotencyKey] = true
		if ctx.Err() != nil {
			break
		}

		if subErr := submit(ctx, rec.Payload); subErr != nil {
			result.Failed++
			util.QueueFailedTotal.Inc()
			rejected := errors.Is(subErr, ErrRejected)
			attempts[rec.IdempotencyKey] = attempt{at: q.now().UTC(), err: subErr.Error(), rejected: rejected}
			if rejected {
				util.QueueRejectedTotal.Inc()
				q.logger.Error("Queued transaction rejected, parking it",
					zap.String("idempotency_key", rec.IdempotencyKey),
					zap.Error(subErr))
			} else {
				q.logger.Warn("Failed to submit queued transaction",
					zap.String("idempotency_key", rec.IdempotencyKey),
					zap.Int("failure_count", rec.FailureCount+1),
					zap.Error(subErr))
			}
		} else {
			result.Synced++
			util.QueueSyncedTotal.Inc()
			done[rec.IdempotencyKey] = true
		}
		q.refreshLock(ctx)
	}

	// results of submissions already made are persisted even if ctx was cancelled
	if err := q.commit(context.WithoutCancel(ctx), done, attempts); err != nil {
		return result, err
	}

	q.logger.Info("Queue drained",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed))
	return result, nil
}

// refreshLock extends the lock after every attempt, so a long drain does
// not look stale to another process
func (q *Queue) refreshLock(ctx context.Context) {
	r, ok := q.locker.(interface {
		Refresh(ctx context.Context) (bool, error)
	})
	if !ok {
		return
	}
	held, err := r.Refresh(ctx)
	if err != nil {
		q.logger.Warn("Failed to refresh sync lock", zap.Error(err))
		return
	}
	if !held {
		q.logger.Warn("Sync lock lost during drain")
	}
}

type attempt struct {
	at       time.Time
	err      string
	rejected bool
}

// commit merges drain results into the current records so that anything
// enqueued while the drain was submitting is kept.
func (q *Queue) commit(ctx context.Context, done map[string]bool, attempts map[string]attempt) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	synced, err := q.loadSyncedKeys(ctx)
	if err != nil {
		return err
	}
	if len(done) > 0 {
		for key := range done {
			if !contains(synced, key) {
				synced = append(synced, key)
			}
		}
		if len(synced) > maxSyncedKeys {
			synced = synced[len(synced)-maxSyncedKeys:]
		}
		// ledger first: a record whose key is in the ledger is never posted again
		if err := kv.SetJSON(ctx, q.store, SyncedKeysKey, synced); err != nil {
			return fmt.Errorf("failed to persist synced keys: %w", err)
		}
	}

	records, err := q.loadRecords(ctx)
	if err != nil {
		return err
	}
	remaining := make([]models.PendingTransaction, 0, len(records))
	kept := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Synced || kept[rec.IdempotencyKey] || done[rec.IdempotencyKey] || contains(synced, rec.IdempotencyKey) {
			continue
		}
		if a, ok := attempts[rec.IdempotencyKey]; ok {
			rec.FailureCount++
			rec.LastAttemptAt = a.at
			rec.LastError = a.err
			rec.Rejected = rec.Rejected || a.rejected
		}
		kept[rec.IdempotencyKey] = true
		remaining = append(remaining, rec)
	}

	if err := q.saveRecords(ctx, remaining); err != nil {
		return err
	}
	util.QueueDepth.Set(float64(len(remaining)))
	return nil
}

// Pending returns the unsynced records in queue order
func (q *Queue) Pending(ctx context.Context) ([]models.PendingTransaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.loadRecords(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]models.PendingTransaction, 0, len(records))
	for _, rec := range records {
		if !rec.Synced {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// Len returns the number of unsynced records
func (q *Queue) Len(ctx context.Context) (int, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// RecoverStaleLock clears a drain lock left by a killed process. Lockers
// that expire on their own are left alone.
func (q *Queue) RecoverStaleLock(ctx context.Context) (bool, error) {
	r, ok := q.locker.(interface {
		RecoverStale(ctx context.Context) (bool, error)
	})
	if !ok {
		return false, nil
	}
	return r.RecoverStale(ctx)
}

func (q *Queue) loadRecords(ctx context.Context) ([]models.PendingTransaction, error) {
	var records []models.PendingTransaction
	if _, err := kv.GetJSON(ctx, q.store, TransactionsKey, &records); err != nil {
		return nil, fmt.Errorf("failed to load offline queue: %w", err)
	}
	return records, nil
}

func (q *Queue) saveRecords(ctx context.Context, records []models.PendingTransaction) error {
	if len(records) == 0 {
		if err := kv.Wrap("remove", TransactionsKey, q.store.Remove(ctx, TransactionsKey)); err != nil {
			return fmt.Errorf("failed to clear offline queue: %w", err)
		}
		return nil
	}
	if err := kv.SetJSON(ctx, q.store, TransactionsKey, records); err != nil {
		return fmt.Errorf("failed to persist offline queue: %w", err)
	}
	return nil
}

func (q *Queue) loadSyncedKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if _, err := kv.GetJSON(ctx, q.store, SyncedKeysKey, &keys); err != nil {
		return nil, fmt.Errorf("failed to load synced keys: %w", err)
	}
	return keys, nil
}

func indexOf(records []models.PendingTransaction, key string) int {
	for i := range records {
		if records[i].IdempotencyKey == key {
			return i
		}
	}
	return -1
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
