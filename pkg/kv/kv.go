// Package kv wraps the Redis connection that backs job queues, leader
// leases, progress snapshots, and failure counters. It is the one place in
// the tree that speaks go-redis directly so every other package can depend
// on a small, test-friendly interface instead.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Client is a thin wrapper around a redis.UniversalClient exposing the
// primitive operations the rest of the tree needs: plain get/set/delete,
// counters, hashes, lists, and the two scripted compare-and-swap operations
// that back leader leases and job deduplication.
type Client struct {
	rdb redis.UniversalClient
}

// New builds a Client from a redis:// or rediss:// connection string.
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an already-constructed redis.UniversalClient. Used in
// tests with a miniredis-backed client.
func NewFromClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity, used by the HTTP health endpoint and the
// worker-health collaborator probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the string stored at key, or ErrNotFound if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores value at key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

// Del removes key. Deleting an absent key is not an error.
func (c *Client) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %q: %w", key, err)
	}
	return nil
}

// Incr atomically increments the integer stored at key, creating it at 1 if
// absent, and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: incr %q: %w", key, err)
	}
	return n, nil
}

// Expire sets a TTL on an existing key. Used to bound sliding-window
// counters to the window they describe.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv: expire %q: %w", key, err)
	}
	return nil
}

// TTL returns the remaining time to live for key, or zero if it has none.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: ttl %q: %w", key, err)
	}
	return ttl, nil
}

// HIncrBy atomically increments field in the hash at key.
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := c.rdb.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: hincrby %q.%q: %w", key, field, err)
	}
	return n, nil
}

// HSet sets a single field in the hash at key.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("kv: hset %q.%q: %w", key, field, err)
	}
	return nil
}

// HGetAll returns every field in the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %q: %w", key, err)
	}
	return m, nil
}

// HDel removes field from the hash at key.
func (c *Client) HDel(ctx context.Context, key, field string) error {
	if err := c.rdb.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("kv: hdel %q.%q: %w", key, field, err)
	}
	return nil
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: llen %q: %w", key, err)
	}
	return n, nil
}

// LPush pushes value onto the head of the list at key.
func (c *Client) LPush(ctx context.Context, key, value string) error {
	if err := c.rdb.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("kv: lpush %q: %w", key, err)
	}
	return nil
}

// LRange returns the list elements at key between start and stop
// (inclusive, Redis semantics — -1 means last element).
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: lrange %q: %w", key, err)
	}
	return vals, nil
}

// LTrim trims the list at key to the given inclusive range, used to bound
// execution-history and alert-history lists.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("kv: ltrim %q: %w", key, err)
	}
	return nil
}

// RPop pops and returns the tail element of the list at key, so LPush+RPop
// realizes FIFO ordering within one priority bucket. Returns false if the
// list is empty.
func (c *Client) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: rpop %q: %w", key, err)
	}
	return val, true, nil
}

// LRem removes up to count occurrences of value from the list at key
// (count=0 removes all occurrences).
func (c *Client) LRem(ctx context.Context, key string, count int64, value string) error {
	if err := c.rdb.LRem(ctx, key, count, value).Err(); err != nil {
		return fmt.Errorf("kv: lrem %q: %w", key, err)
	}
	return nil
}

// acquireScript sets key to value with the given TTL only if key does not
// already exist, atomically. Backs leader-lease acquisition and job
// deduplication markers.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
else
	return 0
end
`)

// Acquire sets key to value with ttl if and only if key is currently unset.
// Returns true if the lease/marker was acquired by this call.
func (c *Client) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, c.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: acquire %q: %w", key, err)
	}
	return res == 1, nil
}

// releaseScript deletes key only if its current value matches ARGV[1],
// preventing a lease holder from releasing a lease another holder has since
// acquired after this one expired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Release deletes key only if it currently holds value. Returns true if the
// delete happened.
func (c *Client) Release(ctx context.Context, key, value string) (bool, error) {
	res, err := releaseScript.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("kv: release %q: %w", key, err)
	}
	return res == 1, nil
}

// renewScript extends the TTL of key only if its current value still
// matches ARGV[1], so a lease holder can never accidentally renew a lease
// that another holder has since acquired.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
else
	return 0
end
`)

// Renew extends the TTL of key to ttl if it currently holds value. Returns
// true if the renewal happened.
func (c *Client) Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, c.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: renew %q: %w", key, err)
	}
	return res == 1, nil
}
