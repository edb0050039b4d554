package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	lockTTL        = 30 * time.Second
	waitTimeout    = 30 * time.Second
	minWaitBackoff = 10 * time.Millisecond
	maxWaitBackoff = 500 * time.Millisecond
	scanBatch      = 256
)

var (
	releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisCacher stores JSON-encoded values in Redis under a key namespace, so
// several processes can share one cache. Misses are collapsed twice: locally
// through a singleflight group and across processes through a SET NX lock.
type RedisCacher[T any] struct {
	client    redis.UniversalClient
	namespace string
	group     singleflight.Group
}

// NewRedisCacher creates a cacher whose keys are stored as
// "<namespace>:<key>". Clear and ItemCount only touch that namespace.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	history := cacher.NewRedisCacher[Record](client, "reactor:closed")
func NewRedisCacher[T any](client redis.UniversalClient, namespace string) *RedisCacher[T] {
	return &RedisCacher[T]{
		client:    client,
		namespace: namespace,
	}
}

func (c *RedisCacher[T]) key(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// Get returns the decoded value or ErrNotFound.
func (c *RedisCacher[T]) Get(ctx context.Context, key string) (T, error) {
	return c.get(ctx, c.key(key))
}

func (c *RedisCacher[T]) get(ctx context.Context, fullKey string) (T, error) {
	var zero T

	raw, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("cacher: redis get %s: %w", fullKey, err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("cacher: decode %s: %w", fullKey, err)
	}

	return v, nil
}

// Set stores value as JSON. A zero ttl stores it without expiry.
func (c *RedisCacher[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	return c.set(ctx, c.key(key), value, ttl)
}

func (c *RedisCacher[T]) set(ctx context.Context, fullKey string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cacher: encode %s: %w", fullKey, err)
	}

	if err := c.client.Set(ctx, fullKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("cacher: redis set %s: %w", fullKey, err)
	}

	return nil
}

// GetOrFetch returns the cached value or fetches it. The process that wins
// the Redis lock fetches and stores the value, extending the lock while the
// fetch runs; the others poll with exponential backoff until the value shows
// up or the lock disappears.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	fullKey := c.key(key)

	v, err := c.get(ctx, fullKey)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return zero, err
	}

	res, err, _ := c.group.Do(fullKey, func() (any, error) {
		return c.fetchLocked(ctx, fullKey, ttl, fetchFn)
	})
	if err != nil {
		return zero, err
	}

	return res.(T), nil
}

func (c *RedisCacher[T]) fetchLocked(ctx context.Context, fullKey string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	lockKey := fullKey + ":lock"
	token := strconv.FormatInt(time.Now().UnixNano(), 36)

	acquired, err := c.client.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("cacher: acquire lock %s: %w", lockKey, err)
	}
	if !acquired {
		return c.waitForValue(ctx, fullKey, lockKey)
	}

	defer releaseLockScript.Run(context.Background(), c.client, []string{lockKey}, token)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.extendLock(extendCtx, lockKey, token)

	v, err := fetchFn(ctx)
	if err != nil {
		return zero, fmt.Errorf("cacher: fetch %s: %w", fullKey, err)
	}

	if err := c.set(context.Background(), fullKey, v, ttl); err != nil {
		return zero, err
	}

	return v, nil
}

func (c *RedisCacher[T]) extendLock(ctx context.Context, lockKey, token string) {
	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendLockScript.Run(ctx, c.client, []string{lockKey}, token, lockTTL.Milliseconds())
		}
	}
}

func (c *RedisCacher[T]) waitForValue(ctx context.Context, fullKey, lockKey string) (T, error) {
	var zero T

	backoff := minWaitBackoff
	deadline := time.Now().Add(waitTimeout)

	for time.Now().Before(deadline) {
		v, err := c.get(ctx, fullKey)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return zero, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("cacher: check lock %s: %w", lockKey, err)
		}
		if exists == 0 {
			// The owner may have stored the value right before releasing.
			if v, err := c.get(ctx, fullKey); err == nil {
				return v, nil
			}
			return zero, fmt.Errorf("cacher: fetch of %s by another owner failed", fullKey)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxWaitBackoff)
	}

	return zero, fmt.Errorf("cacher: timed out waiting for %s", fullKey)
}

// Delete removes a key from the namespace.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cacher: redis del: %w", err)
	}
	return nil
}

// Clear removes every key in the namespace.
func (c *RedisCacher[T]) Clear(ctx context.Context) error {
	_, err := c.DeleteByPrefix(ctx, "")
	return err
}

// ItemCount counts the keys in the namespace with SCAN, lock keys included.
func (c *RedisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	count := 0
	err := c.scan(ctx, "", func(keys []string) error {
		count += len(keys)
		return nil
	})
	return count, err
}

// DeleteByPrefix scans the namespace with SCAN and deletes matches in
// batches. prefix is relative to the namespace.
func (c *RedisCacher[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	err := c.scan(ctx, prefix, func(keys []string) error {
		n, err := c.client.Del(ctx, keys...).Result()
		deleted += int(n)
		if err != nil {
			return fmt.Errorf("cacher: redis del: %w", err)
		}
		return nil
	})
	return deleted, err
}

func (c *RedisCacher[T]) scan(ctx context.Context, prefix string, fn func(keys []string) error) error {
	pattern := c.key(prefix) + "*"
	if c.namespace == "" && prefix == "" {
		pattern = "*"
	}

	iter := c.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cacher: redis scan: %w", err)
	}

	if len(batch) > 0 {
		return fn(batch)
	}

	return nil
}
