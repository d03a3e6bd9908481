package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(key string) models.PendingTransaction {
	return models.PendingTransaction{
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"checkout_code":"` + key + `"}`),
	}
}

type recorder struct {
	payloads []string
	failFor  map[string]error
}

func (r *recorder) submit(ctx context.Context, payload json.RawMessage) error {
	var body struct {
		CheckoutCode string `json:"checkout_code"`
	}
	_ = json.Unmarshal(payload, &body)
	if err := r.failFor[body.CheckoutCode]; err != nil {
		return err
	}
	r.payloads = append(r.payloads, body.CheckoutCode)
	return nil
}

func TestDuplicateEnqueueSyncsOnce(t *testing.T) {
	mem := kv.NewMemory()
	q := NewQueue(mem, nil)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, tx("k1"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, tx("k1"))
	require.NoError(t, err)
	assert.False(t, added)

	rec := &recorder{}
	result, err := q.Drain(ctx, rec.submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Synced: 1}, result)
	assert.Equal(t, []string{"k1"}, rec.payloads)

	// a synced key stays deduplicated
	added, err = q.Enqueue(ctx, tx("k1"))
	require.NoError(t, err)
	assert.False(t, added)

	result, err = q.Drain(ctx, rec.submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
	assert.Len(t, rec.payloads, 1)
}

func TestEnqueueRejectsMissingKey(t *testing.T) {
	q := NewQueue(kv.NewMemory(), nil)

	added, err := q.Enqueue(context.Background(), models.PendingTransaction{Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
	assert.False(t, added)
}

func TestFullDrainRemovesStorageKey(t *testing.T) {
	mem := kv.NewMemory()
	q := NewQueue(mem, nil)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, tx(key))
		require.NoError(t, err)
	}
	require.True(t, mem.Has(TransactionsKey))

	rec := &recorder{}
	result, err := q.Drain(ctx, rec.submit)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Synced)
	assert.Equal(t, []string{"a", "b", "c"}, rec.payloads)
	assert.False(t, mem.Has(TransactionsKey))
	assert.False(t, mem.Has(SyncLockKey))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPartialFailureKeepsFailedRecord(t *testing.T) {
	q := NewQueue(kv.NewMemory(), nil)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, tx(key))
		require.NoError(t, err)
	}

	rec := &recorder{failFor: map[string]error{"b": errors.New("connection refused")}}
	result, err := q.Drain(ctx, rec.submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Synced: 2, Failed: 1}, result)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].IdempotencyKey)
	assert.Equal(t, 1, pending[0].FailureCount)
	assert.Equal(t, "connection refused", pending[0].LastError)
	assert.False(t, pending[0].LastAttemptAt.IsZero())

	rec.failFor = nil
	result, err = q.Drain(ctx, rec.submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Synced: 1}, result)
	assert.Equal(t, []string{"a", "c", "b"}, rec.payloads)
}

func TestOverlappingDrainIsNoOp(t *testing.T) {
	q := NewQueue(kv.NewMemory(), nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, tx("a"))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	first := make(chan DrainResult, 1)
	go func() {
		result, err := q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
			close(entered)
			<-release
			return nil
		})
		assert.NoError(t, err)
		first <- result
	}()

	<-entered
	calls := 0
	second, err := q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Skipped: true}, second)
	assert.Zero(t, calls)

	close(release)
	select {
	case result := <-first:
		assert.Equal(t, DrainResult{Synced: 1}, result)
	case <-time.After(2 * time.Second):
		t.Fatal("first drain did not finish")
	}
}

func TestEnqueueDuringDrainIsKept(t *testing.T) {
	q := NewQueue(kv.NewMemory(), nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, tx("a"))
	require.NoError(t, err)

	result, err := q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
		added, err := q.Enqueue(ctx, tx("late"))
		require.NoError(t, err)
		assert.True(t, added)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "late", pending[0].IdempotencyKey)
}

func TestPanicReleasesLock(t *testing.T) {
	mem := kv.NewMemory()
	q := NewQueue(mem, nil)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, tx("a"))
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
			panic("submit exploded")
		})
	})
	assert.False(t, mem.Has(SyncLockKey))

	rec := &recorder{}
	result, err := q.Drain(ctx, rec.submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Synced: 1}, result)
}

func TestStaleLockIsTakenOver(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.SetJSON(ctx, mem, SyncLockKey, models.SyncLock{
		Held:       true,
		Owner:      "crashed-process",
		AcquiredAt: time.Now().Add(-3 * time.Minute),
	}))

	q := NewQueue(mem, nil)
	_, err := q.Enqueue(ctx, tx("a"))
	require.NoError(t, err)

	result, err := q.Drain(ctx, (&recorder{}).submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Synced: 1}, result)
}

func TestFreshForeignLockSkipsDrain(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.SetJSON(ctx, mem, SyncLockKey, models.SyncLock{
		Held:       true,
		Owner:      "other",
		AcquiredAt: time.Now(),
	}))

	q := NewQueue(mem, nil)
	result, err := q.Drain(ctx, (&recorder{}).submit)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	// not ours, so still held
	assert.True(t, mem.Has(SyncLockKey))
}

func TestRecoverStaleLock(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	q := NewQueue(mem, nil)

	cleared, err := q.RecoverStaleLock(ctx)
	require.NoError(t, err)
	assert.False(t, cleared)

	require.NoError(t, kv.SetJSON(ctx, mem, SyncLockKey, models.SyncLock{
		Held:       true,
		Owner:      "crashed-process",
		AcquiredAt: time.Now().Add(-time.Hour),
	}))
	cleared, err = q.RecoverStaleLock(ctx)
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, mem.Has(SyncLockKey))
}

func TestStorageErrorsSurface(t *testing.T) {
	mem := kv.NewMemory()
	q := NewQueue(mem, nil)
	ctx := context.Background()

	mem.FailOn = map[string]error{"set": errors.New("disk full")}
	_, err := q.Enqueue(ctx, tx("a"))
	require.Error(t, err)
	assert.True(t, kv.IsStorageError(err))

	mem.FailOn = map[string]error{"get": errors.New("io error")}
	_, err = q.Drain(ctx, (&recorder{}).submit)
	require.Error(t, err)
	assert.True(t, kv.IsStorageError(err))
}

func TestCancelledContextStopsDrain(t *testing.T) {
	q := NewQueue(kv.NewMemory(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	for _, key := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, tx(key))
		require.NoError(t, err)
	}

	result, err := q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisLockerExcludesDrains(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	q := NewQueue(client, client.NewLocker("drain", time.Minute))
	_, err = q.Enqueue(ctx, tx("a"))
	require.NoError(t, err)

	other := client.NewLocker("drain", time.Minute)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := q.Drain(ctx, (&recorder{}).submit)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	require.NoError(t, other.Release(ctx))
	result, err = q.Drain(ctx, (&recorder{}).submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Synced: 1}, result)
	assert.False(t, mr.Exists("pos:"+TransactionsKey))

	cleared, err := q.RecoverStaleLock(ctx)
	require.NoError(t, err)
	assert.False(t, cleared)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSlowDrainIsNeverTakenOverInProcess(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	clock := &stepClock{now: time.Now()}
	lock := NewKVLock(mem, 50*time.Millisecond)
	lock.now = clock.Now
	q := NewQueue(mem, lock)
	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, tx(key))
		require.NoError(t, err)
	}

	calls := 0
	var nested DrainResult
	result, err := q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
		calls++
		clock.Advance(80 * time.Millisecond)
		if calls == 1 {
			var nestedErr error
			nested, nestedErr = q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
				calls++
				return nil
			})
			require.NoError(t, nestedErr)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Skipped: true}, nested)
	assert.Equal(t, DrainResult{Synced: 3}, result)
	assert.Equal(t, 3, calls)
	assert.False(t, mem.Has(SyncLockKey))
}

func TestLockRefreshedAfterFailedSubmissions(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	clock := &stepClock{now: time.Now()}
	lock := NewKVLock(mem, 250*time.Millisecond)
	lock.now = clock.Now
	q := NewQueue(mem, lock)
	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, tx(key))
		require.NoError(t, err)
	}

	// a second process sharing the store
	other := NewKVLock(mem, 250*time.Millisecond)
	other.now = clock.Now

	calls := 0
	result, err := q.Drain(ctx, func(ctx context.Context, payload json.RawMessage) error {
		calls++
		clock.Advance(100 * time.Millisecond)
		if calls == 3 {
			// 300ms since acquisition, 100ms since the last refresh
			acquired, err := other.Acquire(ctx)
			require.NoError(t, err)
			assert.False(t, acquired)
		}
		return errors.New("connection refused")
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 3}, result)

	acquired, err := other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "released after the drain")
}

func TestKVLockRefreshOnlyForOwner(t *testing.T) {
	mem := kv.NewMemory()
	ctx := context.Background()
	a := NewKVLock(mem, time.Minute)
	b := NewKVLock(mem, time.Minute)

	ok, err := a.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing held")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	cleared, err := a.RecoverStale(ctx)
	require.NoError(t, err)
	assert.False(t, cleared)
	require.NoError(t, a.Release(ctx))
}

func TestRejectedRecordIsParked(t *testing.T) {
	q := NewQueue(kv.NewMemory(), nil)
	ctx := context.Background()
	for _, key := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, tx(key))
		require.NoError(t, err)
	}

	rec := &recorder{failFor: map[string]error{"a": Reject(errors.New("422 invalid payment method"))}}
	result, err := q.Drain(ctx, rec.submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Synced: 1, Failed: 1}, result)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Rejected)
	assert.Equal(t, 1, pending[0].FailureCount)
	assert.Contains(t, pending[0].LastError, "422")

	// parked records are kept but never resubmitted
	rec.failFor = nil
	result, err = q.Drain(ctx, rec.submit)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
	assert.Equal(t, []string{"b"}, rec.payloads)

	added, err := q.Enqueue(ctx, tx("a"))
	require.NoError(t, err)
	assert.False(t, added)
}
