package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SyncLockKey is the KV key holding the persisted drain lock
const SyncLockKey = "sync_lock"

// DefaultLockStaleAfter is how long a held lock survives a crashed owner
const DefaultLockStaleAfter = 2 * time.Minute

// Locker excludes concurrent drains
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// KVLock is a Locker persisted as a models.SyncLock. The check-and-set runs
// under an in-process mutex, so drains in one process never overlap; the
// persisted flag survives restarts and expires after staleAfter.
type KVLock struct {
	store      kv.Store
	staleAfter time.Duration
	owner      string
	now        func() time.Time
	logger     *zap.Logger

	mu sync.Mutex
	// draining is set while this process holds the lock; a held lock is
	// never stale to its own process
	draining bool
}

// NewKVLock creates a lock stored under SyncLockKey
func NewKVLock(store kv.Store, staleAfter time.Duration) *KVLock {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return &KVLock{
		store:      store,
		staleAfter: staleAfter,
		owner:      uuid.New().String(),
		now:        time.Now,
		logger:     util.GetLogger(),
	}
}

// Acquire takes the lock. It returns false when another owner holds a
// lock that is not yet stale.
func (l *KVLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.draining {
		return false, nil
	}
	current, err := l.load(ctx)
	if err != nil {
		return false, err
	}
	now := l.now()
	if current.Held {
		if !l.stale(current, now) {
			return false, nil
		}
		l.logger.Warn("Taking over stale sync lock",
			zap.String("previous_owner", current.Owner),
			zap.Time("acquired_at", current.AcquiredAt))
	}

	lock := models.SyncLock{Held: true, Owner: l.owner, AcquiredAt: now.UTC()}
	if err := kv.SetJSON(ctx, l.store, SyncLockKey, lock); err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	l.draining = true
	return true, nil
}

// Refresh moves AcquiredAt forward while this instance owns the lock. It
// reports whether the lock is still ours.
func (l *KVLock) Refresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.load(ctx)
	if err != nil {
		return false, err
	}
	if !current.Held || current.Owner != l.owner {
		return false, nil
	}
	current.AcquiredAt = l.now().UTC()
	if err := kv.SetJSON(ctx, l.store, SyncLockKey, current); err != nil {
		return false, fmt.Errorf("failed to refresh sync lock: %w", err)
	}
	return true, nil
}

// Release drops the lock if this instance owns it
func (l *KVLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.draining = false

	current, err := l.load(ctx)
	if err != nil {
		return err
	}
	if !current.Held || current.Owner != l.owner {
		return nil
	}
	if err := kv.Wrap("remove", SyncLockKey, l.store.Remove(ctx, SyncLockKey)); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

// RecoverStale clears a lock left behind by a killed process. It reports
// whether a lock was cleared.
func (l *KVLock) RecoverStale(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.draining {
		return false, nil
	}
	current, err := l.load(ctx)
	if err != nil {
		return false, err
	}
	if !current.Held || !l.stale(current, l.now()) {
		return false, nil
	}
	if err := kv.Wrap("remove", SyncLockKey, l.store.Remove(ctx, SyncLockKey)); err != nil {
		return false, fmt.Errorf("failed to clear stale sync lock: %w", err)
	}
	l.logger.Info("Cleared stale sync lock", zap.String("owner", current.Owner))
	return true, nil
}

func (l *KVLock) stale(lock models.SyncLock, now time.Time) bool {
	return now.Sub(lock.AcquiredAt) >= l.staleAfter
}

func (l *KVLock) load(ctx context.Context) (models.SyncLock, error) {
	var lock models.SyncLock
	if _, err := kv.GetJSON(ctx, l.store, SyncLockKey, &lock); err != nil {
		return models.SyncLock{}, fmt.Errorf("failed to read sync lock: %w", err)
	}
	return lock, nil
}
