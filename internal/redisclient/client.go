package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"pos-sync/internal/kv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/refresh_lock.lua
var refreshLockScript string

const keyPrefix = "pos:"

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	refreshScript *redis.Script
}

var _ kv.Store = (*Client)(nil)

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		refreshScript: redis.NewScript(refreshLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the blob stored under key
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, kv.Wrap("get", key, err)
	}
	return data, nil
}

// Set stores the blob under key without expiry
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	return kv.Wrap("set", key, c.rdb.Set(ctx, keyPrefix+key, value, 0).Err())
}

// Remove deletes key
func (c *Client) Remove(ctx context.Context, key string) error {
	return kv.Wrap("remove", key, c.rdb.Del(ctx, keyPrefix+key).Err())
}

// Locker is a SyncLock held in Redis. The TTL is the staleness fallback: a
// process killed while holding the lock loses it once the TTL expires.
type Locker struct {
	client *Client
	key    string
	ttl    time.Duration
	owner  string
}

// NewLocker creates a lock named name with the given TTL
func (c *Client) NewLocker(name string, ttl time.Duration) *Locker {
	return &Locker{
		client: c,
		key:    fmt.Sprintf("%slock:%s", keyPrefix, name),
		ttl:    ttl,
		owner:  uuid.New().String(),
	}
}

// Acquire sets the lock if it is free
func (l *Locker) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, kv.Wrap("lock", l.key, err)
	}
	return ok, nil
}

// Refresh extends the TTL while the lock is still ours
func (l *Locker) Refresh(ctx context.Context) (bool, error) {
	res, err := l.client.refreshScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lock script failed: %w", err)
	}
	return res == 1, nil
}

// Release deletes the lock only if this locker still owns it
func (l *Locker) Release(ctx context.Context) error {
	if _, err := l.client.releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner).Result(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
