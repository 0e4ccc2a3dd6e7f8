package lock

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with a Redis lease shared across replicas.
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	retryGap time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "payment_intent:lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &RedisLocker{
		client:   client,
		prefix:   trimmedPrefix,
		ttl:      ttl,
		retryGap: 50 * time.Millisecond,
	}
}

// Lock polls SET NX until the lease is taken or ctx ends.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if r == nil || r.client == nil {
		return func() {}, nil
	}
	fullKey := fmt.Sprintf("%s:%s", r.prefix, strings.TrimSpace(key))
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrNotAcquired
			}
			return nil, fmt.Errorf("acquire lease %s: %w", fullKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(r.retryGap):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseLeaseScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err(); err != nil {
			log.Printf("level=warn component=lock msg=\"lease release failed\" key=%s err=%v", fullKey, err)
		}
	}, nil
}
