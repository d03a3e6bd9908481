package redisclient

import (
	"context"
	"testing"
	"time"

	"pos-sync/internal/kv"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestKVRoundTrip(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "cart_snapshot")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, client.Set(ctx, "cart_snapshot", []byte(`{"version":1}`)))

	stored, err := mr.Get("pos:cart_snapshot")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, stored)

	got, err := client.Get(ctx, "cart_snapshot")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(got))

	require.NoError(t, client.Remove(ctx, "cart_snapshot"))
	assert.False(t, mr.Exists("pos:cart_snapshot"))
}

func TestStorageErrorWhenServerDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()

	err := client.Set(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.True(t, kv.IsStorageError(err))
}

func TestLockerExclusion(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	a := client.NewLocker("drain", time.Minute)
	b := client.NewLocker("drain", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must observe the lock")

	// b does not own the lock, release is a no-op
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerExpiresWhenStale(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	a := client.NewLocker("drain", 30*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// holder was killed without releasing
	mr.FastForward(31 * time.Second)

	b := client.NewLocker("drain", 30*time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerRefresh(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	a := client.NewLocker("drain", 10*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(8 * time.Second)
	ok, err = a.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("pos:lock:drain"))
}
