package fleetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueStore keeps the queue in Redis so several agents on one site can
// share it. Layout under the key prefix:
//
//	<prefix>:seq      INCR counter for ids
//	<prefix>:order    sorted set of ids, scored by id
//	<prefix>:actions  hash of id -> JSON-encoded QueuedAction
//	<prefix>:drain    drain lease holder, with a PX expiry
type RedisQueueStore struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
}

// NewRedisClient parses redisURL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}
	return client, nil
}

// OpenRedisQueueStore connects to redisURL and returns a store that closes
// the connection on Close.
func OpenRedisQueueStore(ctx context.Context, redisURL, keyPrefix string) (*RedisQueueStore, error) {
	client, err := NewRedisClient(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	s := NewRedisQueueStore(client, keyPrefix)
	s.ownClient = true
	return s, nil
}

// NewRedisQueueStore uses an existing client. Close leaves it open.
func NewRedisQueueStore(client *redis.Client, keyPrefix string) *RedisQueueStore {
	if keyPrefix == "" {
		keyPrefix = "fleetsync:queue"
	}
	return &RedisQueueStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisQueueStore) seqKey() string     { return s.keyPrefix + ":seq" }
func (s *RedisQueueStore) orderKey() string   { return s.keyPrefix + ":order" }
func (s *RedisQueueStore) actionsKey() string { return s.keyPrefix + ":actions" }
func (s *RedisQueueStore) leaseKey() string   { return s.keyPrefix + ":drain" }

var acquireLeaseScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireDrainLease takes the lease with SET NX PX, or extends it when
// holder already owns it.
func (s *RedisQueueStore) AcquireDrainLease(ctx context.Context, holder string, ttl time.Duration) error {
	ok, err := acquireLeaseScript.Run(ctx, s.client, []string{s.leaseKey()}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to acquire drain lease: %w", err)
	}
	if ok == 0 {
		return ErrDrainBusy
	}
	return nil
}

func (s *RedisQueueStore) ReleaseDrainLease(ctx context.Context, holder string) error {
	if err := releaseLeaseScript.Run(ctx, s.client, []string{s.leaseKey()}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release drain lease: %w", err)
	}
	return nil
}

func (s *RedisQueueStore) drainKey() string {
	opts := s.client.Options()
	return fmt.Sprintf("redis:%s/%d:%s", opts.Addr, opts.DB, s.keyPrefix)
}

func (s *RedisQueueStore) Add(ctx context.Context, action *QueuedAction) (int64, error) {
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	stored := *action
	stored.ID = id
	payload, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to encode action: %w", err)
	}

	field := strconv.FormatInt(id, 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.actionsKey(), field, payload)
		pipe.ZAdd(ctx, s.orderKey(), redis.Z{Score: float64(id), Member: field})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store action: %w", err)
	}
	action.ID = id
	return id, nil
}

func (s *RedisQueueStore) List(ctx context.Context) ([]QueuedAction, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.actionsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}

	out := make([]QueuedAction, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// removed between ZRANGE and HMGET
			continue
		}
		var a QueuedAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to decode action %s: %w", ids[i], err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisQueueStore) Remove(ctx context.Context, id int64) error {
	field := strconv.FormatInt(id, 10)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.orderKey(), field)
		pipe.HDel(ctx, s.actionsKey(), field)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove action %d: %w", id, err)
	}
	return nil
}

// Clear drops every entry but keeps the id counter so ids are never reused.
func (s *RedisQueueStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.orderKey(), s.actionsKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

func (s *RedisQueueStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.orderKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return int(n), nil
}

func (s *RedisQueueStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
