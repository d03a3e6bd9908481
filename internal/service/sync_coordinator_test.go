package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pos-sync/internal/kv"
	"pos-sync/internal/models"
	"pos-sync/internal/pricing"
	"pos-sync/internal/queue"
	"pos-sync/internal/remote"
	"pos-sync/internal/scan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	mu     sync.Mutex
	pushed []models.CartSnapshot
	err    error
}

func (p *fakePusher) PushCart(ctx context.Context, snapshot models.CartSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.pushed = append(p.pushed, snapshot)
	return nil
}

func (p *fakePusher) versions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for _, s := range p.pushed {
		out = append(out, s.Version)
	}
	return out
}

type syncHarness struct {
	clock  *scan.ManualClock
	queue  *queue.Queue
	submit *submitRecorder
	remote *fakeRemote
	pusher *fakePusher
	coord  *SyncCoordinator
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	h := &syncHarness{
		clock:  scan.NewManualClock(time.UnixMilli(1_700_000_000_000)),
		queue:  queue.NewQueue(kv.NewMemory(), nil),
		submit: &submitRecorder{},
		remote: newFakeRemote(riceProduct()),
		pusher: &fakePusher{},
	}
	catalog := NewCatalogClient(newTestStore(t), h.remote)
	h.coord = NewSyncCoordinator(SyncConfig{PushDebounce: 2 * time.Second}, h.queue, h.submit.submit, catalog, h.pusher, h.clock)
	t.Cleanup(h.coord.Close)
	return h
}

func snapshot(version int64) models.CartSnapshot {
	return models.CartSnapshot{
		Session: models.CartSession{SessionID: "s1", Active: true},
		Items:   []models.CartItem{},
		Version: version,
	}
}

var available = Status{Online: true, ServerHealthy: true}

func TestReconnectDrainsQueue(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	for _, key := range []string{"c1", "c2"} {
		_, err := h.queue.Enqueue(ctx, models.PendingTransaction{
			IdempotencyKey: key,
			Payload:        []byte(`{"checkout_code":"` + key + `"}`),
		})
		require.NoError(t, err)
	}

	require.NoError(t, h.coord.HandleConnectivity(ctx, available))

	assert.Equal(t, []string{"c1", "c2"}, h.submit.submitted())
	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, h.coord.Online())
}

func TestRepeatedAvailableStatusIsNoOp(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.HandleConnectivity(ctx, available))
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))

	assert.Equal(t, 1, h.remote.catalogFetch)
}

func TestServerUnhealthyIsUnavailable(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.HandleConnectivity(ctx, Status{Online: true, ServerHealthy: false}))

	assert.False(t, h.coord.Online())
	assert.Zero(t, h.remote.catalogFetch)
}

func TestCatalogReconciledOnlyWhenStale(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.HandleConnectivity(ctx, available))
	require.NoError(t, h.coord.HandleConnectivity(ctx, Status{}))
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))
	assert.Equal(t, 1, h.remote.catalogFetch)

	h.remote.version = "v2"
	require.NoError(t, h.coord.HandleConnectivity(ctx, Status{}))
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))
	assert.Equal(t, 2, h.remote.catalogFetch)
}

func TestCatalogFailureDoesNotBlockDrain(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.remote.err = errors.New("catalog down")
	_, err := h.queue.Enqueue(ctx, models.PendingTransaction{
		IdempotencyKey: "c1",
		Payload:        []byte(`{"checkout_code":"c1"}`),
	})
	require.NoError(t, err)

	err = h.coord.HandleConnectivity(ctx, available)
	assert.Error(t, err)
	assert.Equal(t, []string{"c1"}, h.submit.submitted())
}

func TestCartPushesAreDebounced(t *testing.T) {
	h := newSyncHarness(t)
	require.NoError(t, h.coord.HandleConnectivity(context.Background(), available))

	h.coord.CartChanged(snapshot(1))
	h.clock.Advance(500 * time.Millisecond)
	h.coord.CartChanged(snapshot(2))
	h.clock.Advance(500 * time.Millisecond)
	h.coord.CartChanged(snapshot(3))

	h.clock.Advance(1999 * time.Millisecond)
	assert.Empty(t, h.pusher.versions())

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, []int64{3}, h.pusher.versions())
	assert.Equal(t, 0, h.clock.PendingTimers())
}

func TestOfflinePushIsFlushedOnReconnect(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	h.coord.CartChanged(snapshot(7))
	h.clock.Advance(3 * time.Second)
	assert.Empty(t, h.pusher.versions())

	require.NoError(t, h.coord.HandleConnectivity(ctx, available))
	assert.Equal(t, []int64{7}, h.pusher.versions())
}

func TestReconnectFlushesPendingTimer(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	h.coord.CartChanged(snapshot(4))
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))

	assert.Equal(t, []int64{4}, h.pusher.versions())
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, []int64{4}, h.pusher.versions())
}

func TestTeardownFlushOrDrop(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))

	h.coord.CartChanged(snapshot(1))
	require.NoError(t, h.coord.Teardown(ctx, true))
	assert.Equal(t, []int64{1}, h.pusher.versions())

	h.coord.CartChanged(snapshot(2))
	require.NoError(t, h.coord.Teardown(ctx, false))
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, []int64{1}, h.pusher.versions())
}

func TestFailedPushIsRetainedForNextFlush(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))

	h.pusher.err = errors.New("timeout")
	h.coord.CartChanged(snapshot(5))
	assert.Error(t, h.coord.Teardown(ctx, true))

	h.pusher.err = nil
	require.NoError(t, h.coord.Teardown(ctx, true))
	assert.Equal(t, []int64{5}, h.pusher.versions())
}

func TestCloseCancelsTimers(t *testing.T) {
	h := newSyncHarness(t)

	h.coord.CartChanged(snapshot(1))
	require.Equal(t, 1, h.clock.PendingTimers())

	h.coord.Close()
	assert.Equal(t, 0, h.clock.PendingTimers())
	h.clock.Advance(5 * time.Second)
	assert.Empty(t, h.pusher.versions())
}

func TestEndedSessionArmsNoPush(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))

	c := newStartedCart(t, kv.NewMemory())
	c.OnChange(h.coord.CartChanged)
	rice := riceProduct()

	_, err := c.AddItem(ctx, models.CartItemFromProduct(&rice, 1))
	require.NoError(t, err)
	require.Equal(t, 1, h.clock.PendingTimers())

	require.NoError(t, h.coord.Teardown(ctx, false))
	require.NoError(t, c.EndSession(ctx))
	assert.Equal(t, 0, h.clock.PendingTimers())

	h.clock.Advance(5 * time.Second)
	assert.Empty(t, h.pusher.versions())

	_, err = c.StartSession(ctx)
	require.NoError(t, err)
	_, err = c.AddItem(ctx, models.CartItemFromProduct(&rice, 2))
	require.NoError(t, err)

	require.NoError(t, h.coord.Teardown(ctx, true))
	require.Len(t, h.pusher.versions(), 1)
	require.NoError(t, c.EndSession(ctx))

	h.clock.Advance(5 * time.Second)
	assert.Len(t, h.pusher.versions(), 1, "the ended session is never pushed")
}

func TestCheckoutDropsPendingCartPush(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	require.NoError(t, h.coord.HandleConnectivity(ctx, available))

	mem := kv.NewMemory()
	c := newStartedCart(t, mem)
	c.OnChange(h.coord.CartChanged)
	rice := riceProduct()
	_, err := c.AddItem(ctx, models.CartItemFromProduct(&rice, 1))
	require.NoError(t, err)
	require.Equal(t, 1, h.clock.PendingTimers())

	checkout := NewCheckoutService(c, NewCatalogClient(newTestStore(t), nil), h.queue, h.submit.submit, h.coord, mem,
		CheckoutConfig{Caps: pricing.DefaultCaps()})
	resp, err := checkout.Checkout(ctx, &CheckoutRequest{PaymentMethod: "cash"})
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutStatusSubmitted, resp.Status)

	assert.Equal(t, 0, h.clock.PendingTimers())
	h.clock.Advance(5 * time.Second)
	assert.Empty(t, h.pusher.versions())
}

func TestBackendRejectionParksQueuedCheckout(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, models.PendingTransaction{
		IdempotencyKey: "c1",
		Payload:        []byte(`{"checkout_code":"c1"}`),
	})
	require.NoError(t, err)

	h.submit.err = fmt.Errorf("%w: POST /api/v1/checkouts returned 422", remote.ErrRejected)
	result, err := h.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	h.submit.err = nil
	result, err = h.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.DrainResult{}, result)
	assert.Empty(t, h.submit.submitted())

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Rejected)
}
