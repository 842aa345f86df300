package statestore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tripbook/internal/booking/saga"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "saga:"

// Each saga is one hash holding "version" and "data". Both scripts run
// atomically inside Redis, so version checks never race with writers.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'version', 1, 'data', ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

	casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then
  return -1
end
if tonumber(current) ~= tonumber(ARGV[1]) then
  return -2
end
local nextv = tonumber(current) + 1
redis.call('HSET', KEYS[1], 'version', nextv, 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
return nextv
`)
)

// Client is the minimal Redis surface used by RedisStore.
type Client interface {
	redis.Scripter
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisStore is a saga.Store backed by Redis hashes.
type RedisStore struct {
	client    Client
	keyPrefix string
}

// NewRedisStore constructs a Redis-backed saga store. An empty prefix
// defaults to "saga:".
func NewRedisStore(client Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) Create(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	created, err := createScript.Run(ctx, r.client, []string{r.key(id)}, data, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis create %s: %w", id, err)
	}
	if created == 0 {
		return saga.ErrAlreadyExists
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (saga.Record, error) {
	if err := ctx.Err(); err != nil {
		return saga.Record{}, err
	}
	vals, err := r.client.HMGet(ctx, r.key(id), "version", "data").Result()
	if err != nil {
		return saga.Record{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return saga.Record{}, saga.ErrNotFound
	}
	rawVersion, _ := vals[0].(string)
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return saga.Record{}, fmt.Errorf("redis get %s: bad version %q: %w", id, rawVersion, err)
	}
	data, _ := vals[1].(string)
	return saga.Record{ID: id, Version: version, Data: []byte(data)}, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, data []byte, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	next, err := casScript.Run(ctx, r.client, []string{r.key(id)}, expectedVersion, data, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis cas %s: %w", id, err)
	}
	switch next {
	case -1:
		return 0, saga.ErrNotFound
	case -2:
		return 0, saga.ErrVersionConflict
	}
	return next, nil
}

// Unfinished scans the key prefix for sagas that still carry a retention TTL.
// It serves startup recovery only and is never on a saga's request path.
func (r *RedisStore) Unfinished(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := r.client.PTTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis pttl %s: %w", key, err)
		}
		if ttl > 0 {
			ids = append(ids, strings.TrimPrefix(key, r.keyPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", r.keyPrefix, err)
	}
	return ids, nil
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}
