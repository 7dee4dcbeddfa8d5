package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gitpilot/internal/task"
)

// releaseScript deletes the lease only if it still belongs to the caller.
// A failed compare means the lease already expired; that is not an error.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the caller still owns it, so a lease
// that expired and was re-acquired elsewhere cannot be silently extended.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore implements Dedup, Locker, and ResultStore over one shared Redis
// connection. Keys are namespaced by prefix so one deployment can share a
// database.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an established client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL dials the store and verifies connectivity.
func NewRedisStoreFromURL(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) IsSeen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, dedupKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkSeen(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, dedupKeyPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	fullKey := lockKeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire failed: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockSpinDelay):
		}
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &redisLock{
		store:  s,
		key:    fullKey,
		token:  token,
		ttl:    ttl,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.renewLoop(renewCtx)
	return l, nil
}

type redisLock struct {
	store    *RedisStore
	key      string
	token    string
	ttl      time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	released sync.Once
}

// renewLoop extends the lease at half the TTL while the lock is held. A
// single failed renewal is retried on the next tick; a compare-and-set miss
// means the lease was lost, at which point renewing stops.
func (l *redisLock) renewLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.store.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil && !errors.Is(err, context.Canceled) {
				continue
			}
			if err == nil && n == 0 {
				// Lease expired and was taken by someone else.
				return
			}
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	var err error
	l.released.Do(func() {
		l.cancel()
		l.wg.Wait()
		err = releaseScript.Run(ctx, l.store.client, []string{l.key}, l.token).Err()
		if errors.Is(err, redis.Nil) {
			err = nil
		}
	})
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}

func (s *RedisStore) GetResult(ctx context.Context, taskID string) (*task.Result, bool, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("result read failed: %w", err)
	}
	res, err := task.DecodeResult(data)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (s *RedisStore) PutResult(ctx context.Context, taskID string, res *task.Result, ttl time.Duration) error {
	data, err := res.Encode()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, resultKeyPrefix+taskID, data, ttl).Err(); err != nil {
		return fmt.Errorf("result write failed: %w", err)
	}
	return nil
}
