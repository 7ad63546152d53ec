package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/connectme/enrollment/internal/process"
)

const (
	defaultRedisPrefix = "enroll"
	lockTTL            = 10 * time.Second
	lockWait           = 5 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
)

// releaseLockLua deletes the lock only if it is still held by the caller's token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseLockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps snapshots in Redis as JSON with a sliding TTL. Locks are
// SET NX PX keys released through a compare-and-delete script.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store; empty prefix and ttl <= 0 take defaults
func NewRedisStore(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) dataKey(key string) string { return s.prefix + ":proc:" + key }

func (s *RedisStore) lockKey(key string) string { return s.prefix + ":lock:" + key }

// Load fetches and decodes the snapshot under key
func (s *RedisStore) Load(ctx context.Context, key string) (process.Snapshot, bool, error) {
	raw, err := s.redis.Get(ctx, s.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return process.Snapshot{}, false, nil
		}
		return process.Snapshot{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var snap process.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// unreadable records are dropped so the session can start over
		_ = s.redis.Del(ctx, s.dataKey(key)).Err()
		return process.Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Save encodes snap and stores it with the store TTL
func (s *RedisStore) Save(ctx context.Context, key string, snap process.Snapshot, keep time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.redis.Set(ctx, s.dataKey(key), raw, retention(s.ttl, keep)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the snapshot under key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.dataKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Lock polls SET NX until it owns key, ctx is done or lockWait passes
func (s *RedisStore) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := s.lockKey(key)
	token := uuid.NewString()
	deadline := time.Now().Add(lockWait)

	for {
		ok, err := s.redis.SetNX(ctx, lockKey, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		timer := time.NewTimer(lockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// the request context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseLockLua.Run(releaseCtx, s.redis, []string{lockKey}, token).Err()
	}, nil
}
